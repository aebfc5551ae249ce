package rabbit

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// OutboundMessage is a message handed to the Publisher. The body is opaque.
type OutboundMessage struct {
	Body          []byte
	ContentType   string
	Headers       map[string]string
	CorrelationID string

	// MessageID identifies the message to the broker. Empty generates a UUID.
	MessageID string
}

// InboundMessage is a delivery as seen by a consume handler.
type InboundMessage struct {
	Body        []byte
	Headers     map[string]string
	DeliveryTag uint64
	Redelivered bool

	Exchange      string
	RoutingKey    string
	ConsumerTag   string
	ContentType   string
	DeliveryMode  uint8
	CorrelationID string
	MessageID     string
	Timestamp     time.Time

	// Queue is the queue the delivery was consumed from.
	Queue string

	// Session identifies the channel generation that issued DeliveryTag.
	// Tags are meaningless outside their session.
	Session uint64
}

func newInboundMessage(d amqp.Delivery, queue string, session uint64) InboundMessage {
	return InboundMessage{
		Body:          d.Body,
		Headers:       tableToHeaders(d.Headers),
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ConsumerTag:   d.ConsumerTag,
		ContentType:   d.ContentType,
		DeliveryMode:  d.DeliveryMode,
		CorrelationID: d.CorrelationId,
		MessageID:     d.MessageId,
		Timestamp:     d.Timestamp,
		Queue:         queue,
		Session:       session,
	}
}

func headersToTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

// tableToHeaders flattens AMQP header values to strings.
func tableToHeaders(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case nil:
			headers[k] = ""
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
