package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/tithe"
	"github.com/xraph/tithe/store"
	"github.com/xraph/tithe/store/memory"
	"github.com/xraph/tithe/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestPingAfterClose(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := s.Ping(ctx)
	if !errors.Is(err, tithe.ErrStoreClosed) {
		t.Fatalf("Ping after Close = %v, want ErrStoreClosed", err)
	}
}
