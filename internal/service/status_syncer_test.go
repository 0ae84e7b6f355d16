package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func TestStatusSyncerSyncOnce(t *testing.T) {
	t.Parallel()

	orders := newMemoryOrderStore()
	orders.pendingFn = func(limit int) ([]domain.OrderRecord, error) {
		if limit != 50 {
			t.Errorf("limit = %d, want 50", limit)
		}
		return []domain.OrderRecord{
			{TrackingID: strPtr("T-1")},
			{TrackingID: strPtr("T-2")},
			{TrackingID: nil},
			{TrackingID: strPtr("missing")},
		}, nil
	}

	checker := &fakeStatusChecker{
		statusFn: func(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error) {
			if len(trackingIDs) != 3 {
				t.Errorf("tracking ids = %v, want 3", trackingIDs)
			}
			return []domain.RemoteOrder{
				{TrackingID: "T-1", Status: "Completed", Code: "CLEAN"},
				{TrackingID: "T-2", Status: "In Process"},
				{TrackingID: "missing", Status: "Rejected"},
				{TrackingID: "", Status: "Completed"},
			}, nil
		},
	}

	syncer, err := NewStatusSyncer(orders, checker, 0, 50, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStatusSyncer() error = %v", err)
	}

	updated, err := syncer.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}
	if updated != 2 {
		t.Fatalf("updated = %d, want 2", updated)
	}
	if orders.updated["T-1"] != "Completed" || orders.updated["T-2"] != "In Process" {
		t.Fatalf("updates = %v", orders.updated)
	}
}

func TestStatusSyncerSkipsRemoteCallWhenNothingPending(t *testing.T) {
	t.Parallel()

	checker := &fakeStatusChecker{
		statusFn: func(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error) {
			t.Fatal("OrderStatus should not be called")
			return nil, nil
		},
	}
	syncer, err := NewStatusSyncer(newMemoryOrderStore(), checker, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewStatusSyncer() error = %v", err)
	}

	updated, err := syncer.SyncOnce(context.Background())
	if err != nil || updated != 0 {
		t.Fatalf("SyncOnce() = %d, %v, want 0, nil", updated, err)
	}
}

func TestStatusSyncerPropagatesRemoteError(t *testing.T) {
	t.Parallel()

	orders := newMemoryOrderStore()
	orders.pendingFn = func(limit int) ([]domain.OrderRecord, error) {
		return []domain.OrderRecord{{TrackingID: strPtr("T-1")}}, nil
	}
	remoteErr := errors.New("remote down")
	checker := &fakeStatusChecker{
		statusFn: func(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error) {
			return nil, remoteErr
		},
	}
	syncer, err := NewStatusSyncer(orders, checker, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewStatusSyncer() error = %v", err)
	}

	if _, err := syncer.SyncOnce(context.Background()); !errors.Is(err, remoteErr) {
		t.Fatalf("SyncOnce() error = %v, want remote error", err)
	}
}

func TestStatusSyncerStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	checker := &fakeStatusChecker{
		statusFn: func(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error) {
			return nil, nil
		},
	}
	syncer, err := NewStatusSyncer(newMemoryOrderStore(), checker, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewStatusSyncer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := syncer.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestNewStatusSyncerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewStatusSyncer(nil, &fakeStatusChecker{}, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil order store")
	}
	if _, err := NewStatusSyncer(newMemoryOrderStore(), nil, 0, 0, nil); err == nil {
		t.Fatal("expected error for nil status checker")
	}
}
