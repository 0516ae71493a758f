package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

func (s *Service) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	alerts, err := s.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert flips the acknowledged flag. Acknowledging twice is not
// an error.
func (s *Service) AcknowledgeAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	if _, err := s.store.AcknowledgeAlert(ctx, alertID); err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	if alert == nil {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	return alert, nil
}
