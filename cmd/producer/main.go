package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-overflow/internal/config"
	"go-overflow/internal/observability"
	"go-overflow/pkg/fallback"
	"go-overflow/pkg/kafka"
	"go-overflow/pkg/models"
	"go-overflow/pkg/transaction"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	producerTopic string
	producerCount int
	producerSize  string
	producerFile  string
)

var rootCmd = &cobra.Command{
	Use:   "producer",
	Short: "Send order events through Kafka with S3 overflow",
	Long: `Send order events to a Kafka topic. Bodies at or above
S3_FALLBACK_BYTE_THRESHOLD are stored in S3 and replaced by a pointer.

Examples:
  # Send one order of about 300kB
  producer --size 300kB

  # Send the contents of a file five times
  producer --file payload.json --count 5`,
	SilenceUsage: true,
	RunE:         runProducer,
}

func init() {
	rootCmd.Flags().StringVarP(&producerTopic, "topic", "t", "", "Destination topic (default: KAFKA_TOPIC)")
	rootCmd.Flags().IntVarP(&producerCount, "count", "n", 1, "Number of messages to send")
	rootCmd.Flags().StringVarP(&producerSize, "size", "s", "1kB", "Approximate body size of generated orders")
	rootCmd.Flags().StringVarP(&producerFile, "file", "f", "", "Send the contents of this file instead of a generated order")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runProducer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.Logging.Level, "overflow-producer")
	logger := observability.GetLogger()

	topic := producerTopic
	if topic == "" {
		topic = cfg.Kafka.Topic
	}

	body, err := loadBody()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, err := kafka.Open(cfg.KafkaTransport(false))
	if err != nil {
		return err
	}
	defer base.Close()

	tr, err := fallback.NewS3(ctx, base, cfg.FallbackOptions(), fallback.WithLogger(logger))
	if err != nil {
		return err
	}

	for i := 0; i < producerCount; i++ {
		msg := models.NewTransportMessage(map[string]string{
			models.HeaderMessageID:   uuid.NewString(),
			models.HeaderContentType: "application/json",
		}, body)

		err := transaction.Run(ctx, func(tx *transaction.Context) error {
			return tr.Send(ctx, topic, msg, tx)
		})
		if err != nil {
			return fmt.Errorf("send message %d: %w", i+1, err)
		}

		logger.WithFields(logrus.Fields{
			"message_id": msg.MessageID(),
			"topic":      topic,
			"size":       humanize.Bytes(uint64(len(body))),
			"offloaded":  tr.Options().ShouldOffload(len(body)),
		}).Info("Message sent")
	}
	return nil
}

func loadBody() ([]byte, error) {
	if producerFile != "" {
		data, err := os.ReadFile(producerFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", producerFile, err)
		}
		return data, nil
	}

	size, err := humanize.ParseBytes(producerSize)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", producerSize, err)
	}
	return generateOrder(int(size))
}

type orderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

type orderCreated struct {
	EventType  string      `json:"event_type"`
	Timestamp  time.Time   `json:"timestamp"`
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id"`
	Items      []orderItem `json:"items"`
	Currency   string      `json:"currency"`
	Status     string      `json:"status"`
}

// generateOrder builds an order_created event with enough items to reach size bytes.
func generateOrder(size int) ([]byte, error) {
	order := orderCreated{
		EventType:  "order_created",
		Timestamp:  time.Now().UTC(),
		OrderID:    "ORD-" + uuid.NewString()[:8],
		CustomerID: "CUST-567890",
		Currency:   "THB",
		Status:     "pending",
	}

	item := orderItem{ProductID: "PROD-111", Name: "iPhone 15 Pro", Quantity: 1, Price: 42900.00}
	itemBytes, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}

	for n := 0; n*(len(itemBytes)+1) < size; n++ {
		order.Items = append(order.Items, item)
	}
	return json.Marshal(order)
}
