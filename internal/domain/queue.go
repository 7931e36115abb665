package domain

// Queue is a fire-and-forget lifecycle-event sink. It is never on the
// coordination path — task claiming and outcome persistence go through
// Storage's row locks alone — Worker and Scheduler use it only to publish
// events like "task.completed" or "schedule.fired" for external listeners.
type Queue interface {
	IsHealthy() bool
	PublishMessage(queueName, body string) error
	ConsumeMessages(consumerName, queueName string, handler func(string)) error
	Close() error
}
