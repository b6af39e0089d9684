// Package kafkasink publishes Tithe events to a Kafka topic as JSON.
//
// Each message carries an Envelope keyed by the venue, vault or strategy the
// event belongs to, so all events of one key land on one partition.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/collection"
	"github.com/xraph/tithe/donation"
	"github.com/xraph/tithe/plugin"
	"github.com/xraph/tithe/policy"
	"github.com/xraph/tithe/types"
	"github.com/xraph/tithe/yield"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                   = (*Sink)(nil)
	_ plugin.OnShutdown               = (*Sink)(nil)
	_ plugin.OnFeeAccrued             = (*Sink)(nil)
	_ plugin.OnFeeCollected           = (*Sink)(nil)
	_ plugin.OnSettlementFailed       = (*Sink)(nil)
	_ plugin.OnPolicyChanged          = (*Sink)(nil)
	_ plugin.OnDonation               = (*Sink)(nil)
	_ plugin.OnDonationAddressChanged = (*Sink)(nil)
	_ plugin.OnYieldReported          = (*Sink)(nil)
)

// Event types carried in Envelope.Type.
const (
	EventFeeAccrued             = "fee.accrued"
	EventFeeCollected           = "fee.collected"
	EventSettlementFailed       = "settlement.failed"
	EventPolicyChanged          = "policy.changed"
	EventDonation               = "donation.credited"
	EventDonationAddressChanged = "donation_address.changed"
	EventYieldReported          = "yield.reported"
)

// Envelope is the JSON value of every published message.
type Envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka writer built by New.
type Config struct {
	Brokers     []string
	Topic       string
	MaxAttempts int
	Async       bool
}

// Sink is a Tithe plugin that forwards events to Kafka.
type Sink struct {
	writer Writer
	topic  string
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger for the sink.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// WithClock overrides the timestamp source of envelopes.
func WithClock(clock func() time.Time) Option {
	return func(s *Sink) { s.clock = clock }
}

// New creates a Sink writing to cfg.Topic on cfg.Brokers.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkasink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafkasink: no topic configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            cfg.MaxAttempts,
		Async:                  cfg.Async,
	}
	return NewWithWriter(w, cfg.Topic, opts...), nil
}

// NewWithWriter creates a Sink around an existing writer. topic is only
// used for logging; the writer decides where messages go.
func NewWithWriter(w Writer, topic string, opts ...Option) *Sink {
	s := &Sink{
		writer: w,
		topic:  topic,
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements plugin.Plugin.
func (s *Sink) Name() string { return "kafka-sink" }

// OnShutdown implements plugin.OnShutdown and flushes the writer.
func (s *Sink) OnShutdown(_ context.Context) error {
	return s.writer.Close()
}

// OnFeeAccrued implements plugin.OnFeeAccrued.
func (s *Sink) OnFeeAccrued(ctx context.Context, r *accrual.Record) error {
	return s.publish(ctx, EventFeeAccrued, r.Venue.Hex(), r)
}

// OnFeeCollected implements plugin.OnFeeCollected.
func (s *Sink) OnFeeCollected(ctx context.Context, r *collection.Record) error {
	return s.publish(ctx, EventFeeCollected, r.Venue.Hex(), r)
}

// settlementFailure is the payload of EventSettlementFailed.
type settlementFailure struct {
	Venue  types.VenueID `json:"venue"`
	Asset  types.AssetID `json:"asset"`
	Amount types.Amount  `json:"amount"`
	Error  string        `json:"error"`
}

// OnSettlementFailed implements plugin.OnSettlementFailed.
func (s *Sink) OnSettlementFailed(ctx context.Context, key types.FeeKey, amount types.Amount, cause error) error {
	p := settlementFailure{Venue: key.Venue, Asset: key.Asset, Amount: amount}
	if cause != nil {
		p.Error = cause.Error()
	}
	return s.publish(ctx, EventSettlementFailed, key.Venue.Hex(), p)
}

// OnPolicyChanged implements plugin.OnPolicyChanged.
func (s *Sink) OnPolicyChanged(ctx context.Context, c *policy.Change) error {
	return s.publish(ctx, EventPolicyChanged, c.Engine.Hex(), c)
}

// OnDonation implements plugin.OnDonation.
func (s *Sink) OnDonation(ctx context.Context, r *donation.Record) error {
	return s.publish(ctx, EventDonation, r.Vault.Hex(), r)
}

// addressChange is the payload of EventDonationAddressChanged.
type addressChange struct {
	Vault types.Address `json:"vault"`
	Old   types.Address `json:"old"`
	New   types.Address `json:"new"`
}

// OnDonationAddressChanged implements plugin.OnDonationAddressChanged.
func (s *Sink) OnDonationAddressChanged(ctx context.Context, vault, oldAddr, newAddr types.Address) error {
	return s.publish(ctx, EventDonationAddressChanged, vault.Hex(), addressChange{Vault: vault, Old: oldAddr, New: newAddr})
}

// OnYieldReported implements plugin.OnYieldReported.
func (s *Sink) OnYieldReported(ctx context.Context, r *yield.Report) error {
	return s.publish(ctx, EventYieldReported, r.Strategy.Hex(), r)
}

func (s *Sink) publish(ctx context.Context, eventType, key string, payload any) error {
	data, err := json.Marshal(Envelope{
		Type:       eventType,
		OccurredAt: s.clock(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("kafkasink: marshal %s: %w", eventType, err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		s.logger.Error("kafkasink: publish failed",
			"topic", s.topic,
			"type", eventType,
			"key", key,
			"error", err,
		)
		return fmt.Errorf("kafkasink: publish %s: %w", eventType, err)
	}
	return nil
}
