package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

const (
	defaultSyncInterval = 5 * time.Minute
	defaultSyncLimit    = 100
)

// StatusSyncer periodically asks the remote service how accepted orders are
// progressing and stores the answer on the order record.
type StatusSyncer struct {
	orders   repository.OrderStore
	checker  provider.StatusChecker
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	limit    int
}

func NewStatusSyncer(
	orders repository.OrderStore,
	checker provider.StatusChecker,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*StatusSyncer, error) {
	if orders == nil {
		return nil, fmt.Errorf("order store is required")
	}
	if checker == nil {
		return nil, fmt.Errorf("status checker is required")
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	if limit <= 0 {
		limit = defaultSyncLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusSyncer{
		orders:   orders,
		checker:  checker,
		logger:   logger,
		interval: interval,
		limit:    limit,
	}, nil
}

// SetMetrics attaches remote status sync counters.
func (s *StatusSyncer) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *StatusSyncer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("status sync initial run failed", zap.Error(err))
	}

	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.interval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("status sync failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce refreshes one page of orders still awaiting a final remote status
// and returns how many were updated.
func (s *StatusSyncer) SyncOnce(ctx context.Context) (int, error) {
	pending, err := s.orders.ListPendingRemoteStatus(ctx, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending orders: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	trackingIDs := make([]string, 0, len(pending))
	for _, order := range pending {
		if order.TrackingID != nil {
			trackingIDs = append(trackingIDs, *order.TrackingID)
		}
	}
	if len(trackingIDs) == 0 {
		return 0, nil
	}

	remote, err := s.checker.OrderStatus(ctx, trackingIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch remote order status: %w", err)
	}

	updated := 0
	for _, order := range remote {
		if order.TrackingID == "" || order.Status == "" {
			continue
		}
		if err := s.orders.UpdateRemoteStatus(ctx, order.TrackingID, order.Status, order.Code); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("remote reported unknown order", zap.String("trackingId", order.TrackingID))
				continue
			}
			return updated, fmt.Errorf("failed to update remote status for %s: %w", order.TrackingID, err)
		}
		updated++
		s.metrics.IncRemoteStatusSynced(order.Status)
	}

	s.logger.Info("status sync finished",
		zap.Int("checked", len(trackingIDs)),
		zap.Int("updated", updated),
	)
	return updated, nil
}
