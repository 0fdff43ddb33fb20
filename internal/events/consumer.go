package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hackgods/center-slot-booking/internal/appointment"
)

// Handler processes one decoded event. A returned error rejects the delivery.
type Handler func(ctx context.Context, ev appointment.EventLog) error

type Consumer struct {
	url     string
	queue   string
	handler Handler
	logger  *log.Logger
}

func NewConsumer(url, queue string, handler Handler, logger *log.Logger) *Consumer {
	return &Consumer{url: url, queue: queue, handler: handler, logger: logger}
}

// Run consumes until ctx is cancelled, reconnecting with backoff when the
// broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("failed to dial broker", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consume loop ended, reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warn("set QoS failed", "err", err)
	}
	if err := declareQueue(ch, c.queue); err != nil {
		return err
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				c.logger.Error("handle event failed", "err", err)
				_ = d.Nack(false, false) // no requeue, avoids a poison message loop
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	ev, err := Decode(body)
	if err != nil {
		return err
	}
	return c.handler(ctx, ev)
}

func Decode(body []byte) (appointment.EventLog, error) {
	var ev appointment.EventLog
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.EventType == "" {
		return ev, errors.New("event without type")
	}
	return ev, nil
}

// FormatLine renders an event as a single log line for the notifier.
func FormatLine(ev appointment.EventLog) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", ev.CreatedAt.UTC().Format(time.RFC3339), ev.EventType)
	if ev.AppointmentID != nil {
		fmt.Fprintf(&sb, " | appointment_id=%s", ev.AppointmentID)
	}

	var payload map[string]any
	if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &payload) == nil {
		for _, k := range sortedKeys(payload) {
			fmt.Fprintf(&sb, " | %s=%v", k, payload[k])
		}
	}
	return sb.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
