package queue

import (
	"context"

	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const retriesHeader = "x-retries"

// Publisher is the publishing half of an AMQP channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Retries reads the retry count of a delivery. Brokers may hand back the
// header as any integer width.
func Retries(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// NextQueue returns where a failed delivery goes next: the retry queue of
// queueName, or its dead-letter queue once maxRetries is reached.
func NextQueue(queueName string, retries, maxRetries int) (string, bool) {
	if retries >= maxRetries {
		return queueName + "_dlq", true
	}
	return queueName + "_retry", false
}

// HandleProcessingError moves a failed delivery to the retry or dead-letter
// queue and acks it. If that publish fails the delivery is requeued.
func HandleProcessingError(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, maxRetries int) {
	retries := Retries(msg.Headers)
	target, dead := NextQueue(queueName, retries, maxRetries)

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if dead {
		logger.Info("[Queue] Sending message to DLQ", "dlq", target, "retries", retries)
	} else {
		headers[retriesHeader] = int32(retries + 1)
	}

	err := ch.PublishWithContext(
		ctx,
		"",
		target,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		logger.Error("[Queue] Failed to publish failed message", "queue", target, "err", err)
		if err := msg.Nack(false, true); err != nil {
			logger.Error("[Queue] Failed to nack message", "err", err)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
}
