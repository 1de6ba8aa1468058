package config

import (
	"fmt"
	"sort"

	"github.com/knadh/koanf/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/messaging"
)

type queueOptionsConfig struct {
	Durable    bool           `koanf:"durable"`
	AutoDelete bool           `koanf:"autoDelete"`
	Exclusive  bool           `koanf:"exclusive"`
	Arguments  map[string]any `koanf:"arguments"`
}

type queueConfig struct {
	QueueName string             `koanf:"queueName"`
	Options   queueOptionsConfig `koanf:"options"`
}

// Queues builds the queue set from the entries under application.amqp.queues.
// An entry without queueName is declared under its key. The result is sorted by queue name.
func Queues(k *koanf.Koanf) ([]messaging.Queue, error) {
	if !k.Exists(QueuesPath) {
		return nil, nil
	}

	var entries map[string]queueConfig
	if err := k.UnmarshalWithConf(QueuesPath, &entries, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queues: %w", err)
	}

	queues := make([]messaging.Queue, 0, len(entries))
	for key, entry := range entries {
		name := entry.QueueName
		if name == "" {
			name = key
		}
		var args amqp.Table
		if len(entry.Options.Arguments) > 0 {
			args = amqp.Table(entry.Options.Arguments)
		}
		queues = append(queues, messaging.Queue{
			Name: name,
			Options: messaging.QueueOptions{
				Durable:    entry.Options.Durable,
				AutoDelete: entry.Options.AutoDelete,
				Exclusive:  entry.Options.Exclusive,
				Args:       args,
			},
		})
	}

	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}
