package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"

	"go-overflow/pkg/models"
)

// toKafkaMessage keys the record by message id so one message's resends share a partition.
func toKafkaMessage(topic string, msg *models.TransportMessage) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	var key []byte
	if id := msg.MessageID(); id != "" {
		key = []byte(id)
	}

	return kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now(),
	}
}

func toTransportMessage(km kafka.Message) *models.TransportMessage {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}

	body := km.Value
	if body == nil {
		body = []byte{}
	}
	return &models.TransportMessage{Headers: headers, Body: body}
}
