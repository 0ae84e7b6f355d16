package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"go.uber.org/zap"
)

type coordinatorFixture struct {
	*poolFixture
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, submitter *fakeSubmitter, opts config.Engine) *coordinatorFixture {
	t.Helper()

	pf := newPoolFixture(t, submitter, opts)
	coordinator, err := NewCoordinator(pf.pool, pf.checkpoints, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return &coordinatorFixture{poolFixture: pf, coordinator: coordinator}
}

func TestCoordinatorSubmitJobRecoversFromTransientFailures(t *testing.T) {
	t.Parallel()

	items := testItems(250)
	secondBatchFirst := domain.Item(items[100])

	submitter := &fakeSubmitter{
		submitFn: func(ctx context.Context, sc domain.ServiceCode, batch []domain.Item, call int) (*provider.BatchResponse, error) {
			if batch[0] == secondBatchFirst && call <= 2 {
				return nil, transientErr()
			}
			return acceptAll(batch), nil
		},
	}
	opts := config.DefaultEngine()
	opts.WorkerCount = 4
	f := newCoordinatorFixture(t, submitter, opts)

	var mu sync.Mutex
	var progress [][2]int
	result, err := f.coordinator.SubmitJob(context.Background(), domain.JobRequest{
		Items:       items,
		ServiceCode: "1042",
	}, func(completed, total int) {
		mu.Lock()
		progress = append(progress, [2]int{completed, total})
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	if result.State != domain.JobStateFinished {
		t.Fatalf("state = %s, want FINISHED", result.State)
	}
	if result.Total != 250 || result.Succeeded != 250 || result.Failed != 0 || result.Duplicates != 0 {
		t.Fatalf("result = %+v, want 250 succeeded", result)
	}
	if result.Batches != 3 {
		t.Fatalf("batches = %d, want 3", result.Batches)
	}
	if got := submitter.CallsFor(secondBatchFirst); got != 3 {
		t.Fatalf("second batch submitted %d times, want 3", got)
	}
	if got := submitter.Calls(); got != 5 {
		t.Fatalf("submit calls = %d, want 5", got)
	}
	if sleeps := f.Sleeps(); len(sleeps) != 2 {
		t.Fatalf("backoff sleeps = %v, want 2", sleeps)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 4 {
		t.Fatalf("progress calls = %v, want initial plus one per batch", progress)
	}
	for i, p := range progress {
		if p[0] != i || p[1] != 3 {
			t.Fatalf("progress[%d] = %v, want [%d 3]", i, p, i)
		}
	}

	cp, err := f.checkpoints.Get(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cp.State != domain.CheckpointStateFinalized {
		t.Fatalf("checkpoint state = %s, want FINALIZED", cp.State)
	}
}

func TestCoordinatorSubmitJobCountsDuplicates(t *testing.T) {
	t.Parallel()

	items := testItems(10)
	submitter := &fakeSubmitter{
		submitFn: func(ctx context.Context, sc domain.ServiceCode, batch []domain.Item, call int) (*provider.BatchResponse, error) {
			resp := acceptAll(batch[:7])
			resp.Duplicates = batch[7:]
			return resp, nil
		},
	}
	f := newCoordinatorFixture(t, submitter, config.DefaultEngine())

	result, err := f.coordinator.SubmitJob(context.Background(), domain.JobRequest{Items: items, ServiceCode: "1042", Label: "march"}, nil)
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}

	if result.Succeeded != 7 || result.Duplicates != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 7 succeeded and 3 duplicates", result)
	}
	if result.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", result.Pending())
	}

	rows := f.orders.Rows(result.JobID)
	if len(rows) != 10 {
		t.Fatalf("rows = %d, want 10", len(rows))
	}
	dup := 0
	for _, row := range rows {
		if row.Status == domain.ItemStatusDuplicate {
			dup++
			if row.TrackingID != nil {
				t.Fatalf("duplicate row %s has tracking id", row.Item)
			}
		}
	}
	if dup != 3 {
		t.Fatalf("duplicate rows = %d, want 3", dup)
	}
}

func TestCoordinatorSubmitJobResumesAfterCancellation(t *testing.T) {
	t.Parallel()

	items := testItems(30)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelOnFirst := true
	var mu sync.Mutex
	submitter := &fakeSubmitter{
		submitFn: func(callCtx context.Context, sc domain.ServiceCode, batch []domain.Item, call int) (*provider.BatchResponse, error) {
			mu.Lock()
			if cancelOnFirst {
				cancelOnFirst = false
				cancel()
			}
			mu.Unlock()
			return acceptAll(batch), nil
		},
	}
	opts := config.DefaultEngine()
	opts.MaxBatchSize = 10
	opts.WorkerCount = 1
	f := newCoordinatorFixture(t, submitter, opts)

	req := domain.JobRequest{Items: items, ServiceCode: "1042"}
	first, err := f.coordinator.SubmitJob(ctx, req, nil)
	if err != nil {
		t.Fatalf("first SubmitJob() error = %v", err)
	}
	if first.State != domain.JobStateCancelled {
		t.Fatalf("first state = %s, want CANCELLED", first.State)
	}
	if first.Succeeded != 10 || first.Pending() != 20 {
		t.Fatalf("first result = %+v, want 10 succeeded and 20 pending", first)
	}

	cp, err := f.checkpoints.Get(context.Background(), first.JobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cp.State != domain.CheckpointStateActive {
		t.Fatalf("checkpoint state = %s, want ACTIVE after cancellation", cp.State)
	}

	second, err := f.coordinator.SubmitJob(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("second SubmitJob() error = %v", err)
	}
	if second.State != domain.JobStateFinished {
		t.Fatalf("second state = %s, want FINISHED", second.State)
	}
	if second.JobID != first.JobID {
		t.Fatalf("job id changed between runs: %s vs %s", first.JobID, second.JobID)
	}
	if second.ResumedBatches != 1 {
		t.Fatalf("resumed batches = %d, want 1", second.ResumedBatches)
	}
	if second.Succeeded != 30 {
		t.Fatalf("succeeded = %d, want whole-job total 30", second.Succeeded)
	}
	if got := submitter.Calls(); got != 3 {
		t.Fatalf("submit calls = %d, want each batch exactly once", got)
	}
	if rows := f.orders.Rows(first.JobID); len(rows) != 30 {
		t.Fatalf("rows = %d, want 30", len(rows))
	}
}

func TestCoordinatorSubmitJobDoesNotRebillAfterPersistCrash(t *testing.T) {
	t.Parallel()

	items := testItems(20)
	submitter := &fakeSubmitter{}
	opts := config.DefaultEngine()
	opts.MaxBatchSize = 10
	opts.WorkerCount = 1
	f := newCoordinatorFixture(t, submitter, opts)
	f.orders.failTx = 1
	f.orders.txErr = errors.New("connection reset")

	req := domain.JobRequest{Items: items, ServiceCode: "1042"}
	if _, err := f.coordinator.SubmitJob(context.Background(), req, nil); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("first SubmitJob() error = %v, want ErrPersistence", err)
	}
	if got := submitter.Calls(); got != 1 {
		t.Fatalf("submit calls after crash = %d, want 1", got)
	}

	result, err := f.coordinator.SubmitJob(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("second SubmitJob() error = %v", err)
	}
	if result.State != domain.JobStateFinished || result.Succeeded != 20 {
		t.Fatalf("result = %+v, want FINISHED with 20 succeeded", result)
	}

	first := domain.Item(items[0])
	if got := submitter.CallsFor(first); got != 1 {
		t.Fatalf("first batch billed %d times, want 1", got)
	}
	if got := submitter.Calls(); got != 2 {
		t.Fatalf("total submit calls = %d, want 2", got)
	}
}

func TestCoordinatorSubmitJobRetriesFailedBatchesOnRerun(t *testing.T) {
	t.Parallel()

	items := testItems(10)
	failing := true
	submitter := &fakeSubmitter{
		submitFn: func(ctx context.Context, sc domain.ServiceCode, batch []domain.Item, call int) (*provider.BatchResponse, error) {
			if failing {
				return nil, &provider.ProviderError{StatusCode: 400, Message: "bad request"}
			}
			return acceptAll(batch), nil
		},
	}
	opts := config.DefaultEngine()
	opts.WorkerCount = 1
	f := newCoordinatorFixture(t, submitter, opts)

	req := domain.JobRequest{Items: items, ServiceCode: "1042"}
	first, err := f.coordinator.SubmitJob(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("first SubmitJob() error = %v", err)
	}
	if first.State != domain.JobStateFinished || first.Failed != 10 || first.FailedBatches != 1 {
		t.Fatalf("first result = %+v, want finished with 10 failed", first)
	}

	failing = false
	second, err := f.coordinator.SubmitJob(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("second SubmitJob() error = %v", err)
	}
	if second.Succeeded != 10 || second.Failed != 0 || second.FailedBatches != 0 {
		t.Fatalf("second result = %+v, want 10 succeeded", second)
	}
	for _, row := range f.orders.Rows(second.JobID) {
		if row.Status != domain.ItemStatusAccepted {
			t.Fatalf("row %s status = %s, want ACCEPTED", row.Item, row.Status)
		}
	}
}

func TestCoordinatorSubmitJobValidation(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &fakeSubmitter{}, config.DefaultEngine())

	tests := []struct {
		name string
		req  domain.JobRequest
	}{
		{name: "no items", req: domain.JobRequest{ServiceCode: "1042"}},
		{name: "bad item", req: domain.JobRequest{Items: []string{"123"}, ServiceCode: "1042"}},
		{name: "duplicate item", req: domain.JobRequest{Items: []string{"356938035643809", "356938035643809"}, ServiceCode: "1042"}},
		{name: "no service code", req: domain.JobRequest{Items: testItems(1)}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coordinator.SubmitJob(context.Background(), tt.req, nil)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("SubmitJob() error = %v, want ErrValidation", err)
			}
		})
	}
	if got := f.submitter.Calls(); got != 0 {
		t.Fatalf("submit calls = %d, want 0", got)
	}
}

func TestCoordinatorSubmitJobConflictingBatchCount(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &fakeSubmitter{}, config.DefaultEngine())

	items := testItems(5)
	parsed, err := domain.ParseItems(items)
	if err != nil {
		t.Fatalf("ParseItems() error = %v", err)
	}
	jobID := domain.NewJobID("", "1042", parsed)
	if _, err := f.checkpoints.LoadOrCreate(context.Background(), domain.CheckpointKey{JobID: jobID, ServiceCode: "1042"}, 2); err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	_, err = f.coordinator.SubmitJob(context.Background(), domain.JobRequest{Items: items, ServiceCode: "1042"}, nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("SubmitJob() error = %v, want ErrConflict", err)
	}
}

func TestCoordinatorSubmitJobResumesWithReorderedItems(t *testing.T) {
	t.Parallel()

	items := testItems(30)
	secondBatchFirst := domain.Item(items[10])
	failing := true
	submitter := &fakeSubmitter{
		submitFn: func(ctx context.Context, sc domain.ServiceCode, batch []domain.Item, call int) (*provider.BatchResponse, error) {
			if failing && batch[0] == secondBatchFirst {
				return nil, &provider.ProviderError{StatusCode: 400, Message: "bad request"}
			}
			return acceptAll(batch), nil
		},
	}
	opts := config.DefaultEngine()
	opts.MaxBatchSize = 10
	opts.WorkerCount = 1
	f := newCoordinatorFixture(t, submitter, opts)

	first, err := f.coordinator.SubmitJob(context.Background(), domain.JobRequest{Items: items, ServiceCode: "1042"}, nil)
	if err != nil {
		t.Fatalf("first SubmitJob() error = %v", err)
	}
	if first.Succeeded != 20 || first.Failed != 10 {
		t.Fatalf("first result = %+v, want 20 succeeded and 10 failed", first)
	}

	failing = false
	reversed := slices.Clone(items)
	slices.Reverse(reversed)
	second, err := f.coordinator.SubmitJob(context.Background(), domain.JobRequest{Items: reversed, ServiceCode: "1042"}, nil)
	if err != nil {
		t.Fatalf("second SubmitJob() error = %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("job id changed with item order: %s vs %s", first.JobID, second.JobID)
	}
	if second.State != domain.JobStateFinished || second.Succeeded != 30 || second.Failed != 0 {
		t.Fatalf("second result = %+v, want 30 succeeded", second)
	}

	for _, start := range []domain.Item{domain.Item(items[0]), domain.Item(items[20])} {
		if got := submitter.CallsFor(start); got != 1 {
			t.Fatalf("batch starting %s submitted %d times, want 1", start, got)
		}
	}
	if got := submitter.CallsFor(secondBatchFirst); got != 2 {
		t.Fatalf("failed batch submitted %d times, want 2", got)
	}
	if got := submitter.Calls(); got != 4 {
		t.Fatalf("submit calls = %d, want 4", got)
	}
	for _, row := range f.orders.Rows(second.JobID) {
		if row.Status != domain.ItemStatusAccepted {
			t.Fatalf("row %s status = %s, want ACCEPTED", row.Item, row.Status)
		}
	}
}

func TestCoordinatorSubmitJobConflictingBatchSize(t *testing.T) {
	t.Parallel()

	opts := config.DefaultEngine()
	opts.MaxBatchSize = 10
	opts.WorkerCount = 1
	f := newCoordinatorFixture(t, &fakeSubmitter{}, opts)

	req := domain.JobRequest{Items: testItems(15), ServiceCode: "1042"}
	if _, err := f.coordinator.SubmitJob(context.Background(), req, nil); err != nil {
		t.Fatalf("first SubmitJob() error = %v", err)
	}

	// 15 items still make two batches at size 8, but cut at other boundaries.
	opts.MaxBatchSize = 8
	resized, err := NewCoordinator(f.pool, f.checkpoints, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if _, err := resized.SubmitJob(context.Background(), req, nil); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("SubmitJob() error = %v, want ErrConflict", err)
	}
	if got := f.submitter.Calls(); got != 2 {
		t.Fatalf("submit calls = %d, want 2", got)
	}
}

func TestCoordinatorSubmitJobReportsDuration(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &fakeSubmitter{}, config.DefaultEngine())
	start := time.Unix(1_700_000_000, 0)
	calls := 0
	f.coordinator.now = func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(1500 * time.Millisecond)
	}

	result, err := f.coordinator.SubmitJob(context.Background(), domain.JobRequest{Items: testItems(3), ServiceCode: "1042"}, nil)
	if err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if result.DurationSeconds != 1.5 {
		t.Fatalf("duration = %v, want 1.5", result.DurationSeconds)
	}
	if result.SuccessRate() != 100 {
		t.Fatalf("success rate = %v, want 100", result.SuccessRate())
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	t.Parallel()

	checkpoints := repository.NewMemoryCheckpointStore()
	opts := config.DefaultEngine()

	if _, err := NewCoordinator(nil, checkpoints, opts, nil); err == nil {
		t.Fatal("expected error for nil runner")
	}
	pool := &WorkerPool{}
	if _, err := NewCoordinator(pool, nil, opts, nil); err == nil {
		t.Fatal("expected error for nil checkpoint store")
	}
	opts.MaxBatchSize = 0
	if _, err := NewCoordinator(pool, checkpoints, opts, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}
