package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go-overflow/internal/observability"
	"go-overflow/pkg/models"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// MessageProcessor handles business logic for processing messages
type MessageProcessor struct {
	logger *logrus.Logger
}

func NewMessageProcessor(logger *logrus.Logger) *MessageProcessor {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &MessageProcessor{
		logger: logger,
	}
}

// Process handles the business logic for a consumed message. JSON bodies are parsed;
// other content types are only logged.
func (p *MessageProcessor) Process(ctx context.Context, msg *models.TransportMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, offloaded := msg.Headers[models.HeaderS3Fallback]
	log := p.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageID(),
		"size":       humanize.Bytes(uint64(len(msg.Body))),
		"offloaded":  offloaded,
	})
	log.Info("Processing message")

	if !isJSON(msg.Headers[models.HeaderContentType]) {
		return nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(msg.Body, &data); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	log.WithField("fields", len(data)).Debug("Message processed successfully")
	return nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
