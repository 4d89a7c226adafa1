package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := s.GetOrCreate(context.Background(), addrAlice, "")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("GetOrCreate() after Close error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := s.TotalPoints(context.Background()); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("TotalPoints() after Close error = %v, want ErrStorageUnavailable", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u, err := s.GetOrCreate(ctx, addrAlice, "")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	u.Points = 999

	got, err := s.Get(ctx, addrAlice)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Points != 0 {
		t.Errorf("stored Points = %d after caller edit, want 0", got.Points)
	}
}
