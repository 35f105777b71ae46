package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const defaultWorkerNum = 10

// PoolSettledEvent is published when a pool is settled.
type PoolSettledEvent struct {
	PoolID        string    `json:"pool_id"`
	Scope         string    `json:"scope"`
	PoolName      string    `json:"pool_name"`
	PrizeKind     string    `json:"prize_kind"`
	WinnerID      string    `json:"winner_id,omitempty"`
	AwardedAmount string    `json:"awarded_amount,omitempty"`
	SettledAt     time.Time `json:"settled_at"`
}

// RewardClaimedEvent is published when a reward claim succeeds.
type RewardClaimedEvent struct {
	PoolID    string    `json:"pool_id"`
	Scope     string    `json:"scope"`
	OwnerID   string    `json:"owner_id"`
	Amount    string    `json:"amount"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Producer publishes settlement lifecycle events through a worker pool so
// the settle and claim paths never block on the broker.
type Producer struct {
	writer          *kafka.Writer
	logger          zerolog.Logger
	jobs            chan kafka.Message
	wg              sync.WaitGroup
	settlementTopic string
	claimTopic      string
}

// ProducerConfig holds configuration for the Kafka producer.
type ProducerConfig struct {
	Brokers         []string
	SettlementTopic string
	ClaimTopic      string
	Logger          zerolog.Logger
	WorkerNum       int
}

// NewProducer creates a Kafka producer. A nil producer is valid and drops
// events, which keeps the engine runnable without a broker.
func NewProducer(config ProducerConfig) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		Async:        false,
	}

	workerNum := config.WorkerNum
	if workerNum <= 0 {
		workerNum = defaultWorkerNum
	}

	p := &Producer{
		writer:          writer,
		logger:          config.Logger.With().Str("component", "kafka-producer").Logger(),
		jobs:            make(chan kafka.Message, 100),
		settlementTopic: config.SettlementTopic,
		claimTopic:      config.ClaimTopic,
	}

	for i := 0; i < workerNum; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p, nil
}

// PoolSettled implements settlement.EventSink.
func (p *Producer) PoolSettled(ctx context.Context, outcome *settlement.Outcome) {
	if p == nil {
		return
	}
	evt := PoolSettledEvent{
		PoolID:    outcome.PoolID,
		Scope:     outcome.Scope,
		PoolName:  outcome.PoolName,
		PrizeKind: string(outcome.PrizeKind),
		WinnerID:  outcome.WinnerID,
		SettledAt: outcome.SettledAt,
	}
	if outcome.HasWinner() {
		evt.AwardedAmount = outcome.AwardedAmount.String()
	}
	p.enqueue(p.settlementTopic, outcome.Scope+":"+outcome.PoolID, evt)
}

// RewardClaimed implements settlement.EventSink.
func (p *Producer) RewardClaimed(ctx context.Context, poolID, scope, ownerID string, amount decimal.Decimal) {
	if p == nil {
		return
	}
	p.enqueue(p.claimTopic, scope+":"+poolID, RewardClaimedEvent{
		PoolID:    poolID,
		Scope:     scope,
		OwnerID:   ownerID,
		Amount:    amount.String(),
		ClaimedAt: time.Now(),
	})
}

func (p *Producer) enqueue(topic, key string, value interface{}) {
	eventBytes, err := json.Marshal(value)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	select {
	case p.jobs <- msg:
	default:
		p.logger.Warn().
			Str("topic", topic).
			Str("key", key).
			Msg("Producer queue full, event dropped")
	}
}

func (p *Producer) worker() {
	defer p.wg.Done()
	for msg := range p.jobs {
		func() {
			defer p.recover()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := p.writer.WriteMessages(ctx, msg); err != nil {
				p.logger.Error().
					Err(err).
					Str("topic", msg.Topic).
					Str("key", string(msg.Key)).
					Msg("Failed to send message to Kafka")
			} else {
				p.logger.Debug().
					Str("topic", msg.Topic).
					Str("key", string(msg.Key)).
					Msg("Message sent to Kafka")
			}
		}()
	}
}

func (p *Producer) recover() {
	if r := recover(); r != nil {
		p.logger.Error().
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("Recovered from panic in producer worker")
	}
}

// Close drains the queue and closes the writer.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	close(p.jobs)
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
