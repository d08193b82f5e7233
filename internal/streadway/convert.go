package streadway

import (
	"errors"
	"time"

	"github.com/streadway/amqp"

	"github.com/glimte/mmate-amqp/driver"
)

func toPublishing(msg driver.Message) amqp.Publishing {
	p := msg.Properties
	return amqp.Publishing{
		Headers:         toTable(msg.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserID,
		AppId:           p.AppID,
		Body:            msg.Body,
	}
}

func fromDelivery(d amqp.Delivery, queue string) *driver.ReceivedMessage {
	msg := driver.NewReceivedMessage(driver.Message{
		Body:    d.Body,
		Headers: fromTable(d.Headers),
		Properties: driver.Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
	}, d.Acknowledger, d.DeliveryTag)

	msg.Redelivered = d.Redelivered
	msg.ConsumerTag = d.ConsumerTag
	msg.Exchange = d.Exchange
	msg.RoutingKey = d.RoutingKey
	msg.Queue = queue
	return msg
}

// toTable converts plain header values into an amqp.Table. The library has
// no encoding for int, so integers are widened to int64.
func toTable(m map[string]any) amqp.Table {
	if m == nil {
		return nil
	}
	t := make(amqp.Table, len(m))
	for k, v := range m {
		t[k] = toField(v)
	}
	return t
}

func toField(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return toTable(x)
	case []any:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = toField(e)
		}
		return out
	case []string:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case int:
		return int64(x)
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case time.Duration:
		return int64(x / time.Millisecond)
	}
	return v
}

func fromTable(t amqp.Table) map[string]any {
	if t == nil {
		return nil
	}
	m := make(map[string]any, len(t))
	for k, v := range t {
		m[k] = fromField(v)
	}
	return m
}

func fromField(v any) any {
	switch x := v.(type) {
	case amqp.Table:
		return fromTable(x)
	case []interface{}:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = fromField(e)
		}
		return out
	}
	return v
}

func classify(op, kind, name string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return &driver.ChannelError{Op: op, Target: name, Err: errors.Join(driver.ErrChannelClosed, err), Timestamp: time.Now()}
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Code == amqp.PreconditionFailed {
			return &driver.TopologyConflictError{Kind: kind, Name: name, Err: err}
		}
		return &driver.ChannelError{Op: op, Target: name, Code: amqpErr.Code, Err: err, Timestamp: time.Now()}
	}
	return &driver.ChannelError{Op: op, Target: name, Err: err, Timestamp: time.Now()}
}
