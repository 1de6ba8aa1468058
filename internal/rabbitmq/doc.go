// Package rabbitmq is the broker-facing layer of mmate-rpc.
//
// This package includes:
//   - Connection, Channel and Dialer: the transport contracts, with an amqp091-go adapter
//   - Connector: dials the broker with a bounded timeout
//   - TopologyManager: declares and deletes queues on the shared channel
//   - Publisher: publishes to queues through the default exchange
//   - Consumer: runs one ordered delivery loop per subscription and applies
//     an explicit failure policy to handler errors
//
// Everything here works against one shared Channel; callers own its lifecycle.
package rabbitmq
