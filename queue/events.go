package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

const eventsQueueName = "execution.events"

// AMQPChannel is the slice of the AMQP channel the publisher uses,
// abstracted for testing.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// JobEvent is the lifecycle record published to the events queue for
// downstream consumers (analytics, audit).
type JobEvent struct {
	JobID      string    `json:"jobId"`
	OwnerID    string    `json:"ownerId"`
	DocumentID string    `json:"documentId,omitempty"`
	Language   string    `json:"language"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	ElapsedMS  int64     `json:"elapsedMs"`
	At         time.Time `json:"at"`
}

// EventPublisher mirrors job completions onto a durable AMQP queue.
// Optional: the pool works without one. Publish failures are logged and
// swallowed; the execution path never depends on the event bus.
type EventPublisher struct {
	connection *amqp.Connection
	channel    AMQPChannel
}

// NewEventPublisher connects and declares the durable events queue.
func NewEventPublisher(url string) (*EventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening event channel: %w", err)
	}
	if _, err := ch.QueueDeclare(eventsQueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring events queue: %w", err)
	}
	return &EventPublisher{connection: conn, channel: ch}, nil
}

// NewEventPublisherWithChannel exists for tests.
func NewEventPublisherWithChannel(ch AMQPChannel) *EventPublisher {
	return &EventPublisher{channel: ch}
}

// JobFinished implements ResultSink.
func (p *EventPublisher) JobFinished(job *Job, result Result) {
	event := JobEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		DocumentID: job.DocumentID,
		Language:   job.Language,
		Status:     result.Status,
		Reason:     result.Reason,
		ElapsedMS:  result.Elapsed,
		At:         time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		common.Logger.WithError(err).Error("failed to marshal job event")
		return
	}
	err = p.channel.Publish("", eventsQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		common.Logger.WithError(err).Warn("failed to publish job event")
	}
}

// Close releases the channel and connection.
func (p *EventPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		return p.connection.Close()
	}
	return nil
}
