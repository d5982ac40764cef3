package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-relay/internal/protocol"
	"chat-relay/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// AMQP publishes events to a topic exchange with routing key
// "room.{roomId}.{kind}", one binding-friendly key per channel.
type AMQP struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
}

func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot dial AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("cannot declare exchange %q: %w", exchange, err)
	}

	logger.Info("Event sink connected, exchange %q", exchange)
	return &AMQP{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQP) Emit(evt protocol.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		logger.Error("Cannot encode event %s for sink: %v", evt.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	key := fmt.Sprintf("room.%s.%s", evt.Room, evt.Kind)
	err = a.ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        raw,
	})
	if err != nil {
		logger.Error("Cannot publish event %s to sink: %v", evt.ID, err)
	}
}

func (a *AMQP) Close() error {
	a.ch.Close()
	return a.conn.Close()
}
