package kafkasink_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"

	"github.com/xraph/tithe/accrual"
	"github.com/xraph/tithe/kafkasink"
	"github.com/xraph/tithe/types"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var fixed = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func TestPublishEnvelope(t *testing.T) {
	w := &fakeWriter{}
	s := kafkasink.NewWithWriter(w, "tithe.events", kafkasink.WithClock(func() time.Time { return fixed }))

	venue := common.HexToHash("0x01")
	err := s.OnFeeAccrued(context.Background(), &accrual.Record{
		Venue:   venue,
		Asset:   common.HexToAddress("0xa02"),
		Fee:     types.MustParseAmount("1000000000000000"),
		RateBps: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != venue.Hex() {
		t.Errorf("key = %s, want %s", msg.Key, venue.Hex())
	}

	var env struct {
		Type       string    `json:"type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			Fee     string `json:"fee"`
			RateBps int    `json:"rate_bps"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != kafkasink.EventFeeAccrued {
		t.Errorf("type = %q", env.Type)
	}
	if !env.OccurredAt.Equal(fixed) {
		t.Errorf("occurred_at = %v", env.OccurredAt)
	}
	if env.Payload.Fee != "1000000000000000" || env.Payload.RateBps != 10 {
		t.Errorf("payload = %+v", env.Payload)
	}
}

func TestPublishFailureAndShutdown(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	s := kafkasink.NewWithWriter(w, "tithe.events")

	err := s.OnSettlementFailed(context.Background(), types.FeeKey{}, types.NewAmount(1), errors.New("boom"))
	if err == nil {
		t.Fatal("expected publish error")
	}

	if err := s.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed on shutdown")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  kafkasink.Config
	}{
		{"no brokers", kafkasink.Config{Topic: "t"}},
		{"no topic", kafkasink.Config{Brokers: []string{"localhost:9092"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := kafkasink.New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
