package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ReadingSyncedEvent announces a device reading newly stored on the host
type ReadingSyncedEvent struct {
	DeviceUID       string    `json:"device_uid"`
	AccountNo       string    `json:"account_no"`
	PreviousReading int64     `json:"previous_reading"`
	CurrentReading  int64     `json:"current_reading"`
	UsageM3         int64     `json:"usage_m3"`
	ReadingAt       time.Time `json:"reading_at"`
	SyncedAt        time.Time `json:"synced_at"`
}

// Publisher publishes sync events to a topic exchange
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher opens a channel and declares the events exchange
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// PublishReadingSynced publishes one reading event
func (p *Publisher) PublishReadingSynced(ctx context.Context, event ReadingSyncedEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.SyncedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish reading event: %w", err)
	}

	p.logger.Debug("published reading synced event",
		zap.String("routing_key", routingKey),
		zap.String("device_uid", event.DeviceUID),
		zap.String("account_no", event.AccountNo),
	)
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
