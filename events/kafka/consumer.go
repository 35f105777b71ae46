package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/logging"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// ContributionEvent is one ticket purchase published by the site's
// purchase pipeline.
type ContributionEvent struct {
	PoolID        string          `json:"pool_id"`
	Scope         string          `json:"scope"`
	ContributorID string          `json:"contributor_id"`
	Weight        decimal.Decimal `json:"weight"`
	CreatedAt     time.Time       `json:"timestamp"`
}

// ContributionRecorder appends contribution rows to the ledger.
type ContributionRecorder interface {
	Record(ctx context.Context, c settlement.Contribution) error
}

// Consumer reads contribution events, appends them to the ledger and
// forwards them to stream listeners.
type Consumer struct {
	reader      *kafka.Reader
	recorder    ContributionRecorder
	broadcaster *settlement.Broadcaster
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Logger        zerolog.Logger
}

// NewConsumer creates a contribution consumer. Returns nil when no brokers
// are configured.
func NewConsumer(config ConsumerConfig, recorder ContributionRecorder, broadcaster *settlement.Broadcaster) *Consumer {
	if len(config.Brokers) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	return &Consumer{
		reader:      reader,
		recorder:    recorder,
		broadcaster: broadcaster,
		logger:      logging.WithComponent(config.Logger, "kafka-consumer"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins consuming messages.
func (c *Consumer) Start() {
	if c == nil {
		return
	}
	c.wg.Add(1)
	go c.consume()
	c.logger.Info().Msg("Kafka consumer started")
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	for {
		msg, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Failed to read message")
			continue
		}

		var evt ContributionEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			c.logger.Warn().
				Err(err).
				Str("key", string(msg.Key)).
				Msg("Skipping malformed contribution event")
			continue
		}
		if evt.PoolID == "" || evt.ContributorID == "" {
			c.logger.Warn().
				Str("key", string(msg.Key)).
				Msg("Skipping contribution event with missing fields")
			continue
		}
		if evt.Scope == "" {
			evt.Scope = settlement.ScopeGlobal
		}

		contribution := settlement.Contribution{
			PoolID:        evt.PoolID,
			Scope:         evt.Scope,
			ContributorID: evt.ContributorID,
			Weight:        evt.Weight,
			CreatedAt:     evt.CreatedAt,
		}
		if err := c.recorder.Record(c.ctx, contribution); err != nil {
			poolLogger := logging.WithPool(c.logger, evt.PoolID, evt.Scope)
			poolLogger.Error().Err(err).Msg("Failed to record contribution")
			continue
		}

		if c.broadcaster != nil {
			c.broadcaster.Send(settlement.Event{
				Type:   settlement.EventContribution,
				PoolID: evt.PoolID,
				Scope:  evt.Scope,
				Amount: evt.Weight,
			})
		}
	}
}

// Stop cancels consumption and closes the reader.
func (c *Consumer) Stop() error {
	if c == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return c.reader.Close()
}
