package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedMachine registers an online machine seen at the given time.
func SeedMachine(t *testing.T, s repository.Store, id string, seen time.Time) *domain.Machine {
	t.Helper()

	m := &domain.Machine{
		ID:        id,
		Name:      id,
		Hostname:  id + ".local",
		Status:    domain.MachineStatusOnline,
		LastSeen:  seen,
		CreatedAt: seen,
	}
	if err := s.UpsertMachine(context.Background(), m); err != nil {
		t.Fatalf("UpsertMachine(%s) failed: %v", id, err)
	}
	return m
}
