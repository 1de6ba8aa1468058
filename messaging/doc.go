// Package messaging provides the request/response and consumer registration core of mmate-rpc.
//
// This package implements:
//   - Encode/Decode: the payload codec shared by every handler
//   - Controller: a typed registry of named operations
//   - Dispatcher: builds Listener (ack only) and Consumer (auto-reply) handlers
//   - ConsumerRegistry: buffers consumer bindings until the connection starts
//   - CorrelationBroker: SendAndReceive over an exclusive reply queue per call
//
// Example usage:
//
//	controller := messaging.NewController()
//	_ = controller.Register("getUser", func(ctx context.Context, content any) (any, error) {
//		return map[string]any{"id": content}, nil
//	})
//
//	err := registry.ConstructAndAddConsume(messaging.HandlerMetadata{
//		Type:  messaging.Consumer,
//		Queue: "users",
//		Key:   "getUser",
//	}, controller)
package messaging
