package config

// QueueNameResolver maps logical queue keys to physical queue names
type QueueNameResolver struct {
	extract ValueExtractor
}

// NewQueueNameResolver creates a resolver over extract. A nil extractor resolves every key to itself.
func NewQueueNameResolver(extract ValueExtractor) *QueueNameResolver {
	return &QueueNameResolver{extract: extract}
}

// Resolve looks up application.amqp.queues.<key>.queueName, then <key>, then falls back to key.
// Non-string and empty values are treated as absent.
func (r *QueueNameResolver) Resolve(key string) string {
	if r.extract == nil {
		return key
	}
	if name, ok := r.extract(QueuesPath+"."+key+".queueName", nil).(string); ok && name != "" {
		return name
	}
	if name, ok := r.extract(key, nil).(string); ok && name != "" {
		return name
	}
	return key
}
