// Package queue defines the job-intake contract: how a runner pulls
// assigned job instance IDs off a durable queue, per spec.md §4.8.
package queue

// Handler processes one queued job instance ID. A non-nil error naks the
// message for redelivery; nil acks it.
type Handler func(instanceID string) error

// Queue is implemented by the JetStream pull-consumer default.
type Queue interface {
	// Publish enqueues a job instance ID for pickup by a consumer.
	Publish(instanceID string) error
	// Consume starts pulling messages in the background, invoking handler
	// for each. It returns once the subscription is established.
	Consume(handler Handler) error
	Shutdown()
}
