// Package notify delivers terminal delivery-failure events to operators:
// as messages on an AMQP queue for downstream consumers, and as plain
// emails to an operator address.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/streadway/amqp"

	"github.com/studiocloud/Mailerv4/internal/domain"
)

const defaultQueue = "delivery_failures"

// FailureEvent is the wire payload published for each terminal failure.
type FailureEvent struct {
	JobID      string    `json:"job_id"`
	CampaignID string    `json:"campaign_id"`
	LeadID     string    `json:"lead_id"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

// AMQPNotifier publishes failure events to a durable queue. Publishing is
// best effort: a broker outage is logged, never propagated to the worker.
type AMQPNotifier struct {
	channel *amqp.Channel
	queue   string
}

func NewAMQPNotifier(conn *amqp.Connection, queue string) (*AMQPNotifier, error) {
	if queue == "" {
		queue = defaultQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, err
	}
	return &AMQPNotifier{channel: ch, queue: queue}, nil
}

func (n *AMQPNotifier) JobFailed(_ context.Context, job domain.DeliveryJob, reason string) {
	event := FailureEvent{
		JobID:      job.ID.String(),
		CampaignID: job.CampaignID.String(),
		LeadID:     job.LeadID.String(),
		Attempt:    job.Attempt,
		Reason:     reason,
		FailedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("notify: marshal failure event: %v", err)
		return
	}

	err = n.channel.Publish(
		"",      // default exchange
		n.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		log.Printf("notify: publish failure event for job %s: %v", job.ID, err)
	}
}

func (n *AMQPNotifier) Close() error {
	return n.channel.Close()
}
