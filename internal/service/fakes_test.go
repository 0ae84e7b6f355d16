package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/queue"
	"github.com/kursadbilgin/submission-engine/internal/repository"
)

func testItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("35693803%07d", i)
	}
	return items
}

func acceptAll(items []domain.Item) *provider.BatchResponse {
	resp := &provider.BatchResponse{StatusCode: 200, Body: "<result/>"}
	for _, item := range items {
		resp.Accepted = append(resp.Accepted, provider.AcceptedItem{
			Item:       item,
			TrackingID: "T-" + item.String(),
			Status:     "Pending",
		})
	}
	return resp
}

func transientErr() error {
	return &provider.ProviderError{StatusCode: 503, Message: "unavailable", Transient: true}
}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    int
	byBatch  map[domain.Item]int
	submitFn func(ctx context.Context, serviceCode domain.ServiceCode, items []domain.Item, call int) (*provider.BatchResponse, error)
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, serviceCode domain.ServiceCode, items []domain.Item) (*provider.BatchResponse, error) {
	f.mu.Lock()
	f.calls++
	if f.byBatch == nil {
		f.byBatch = make(map[domain.Item]int)
	}
	var call int
	if len(items) > 0 {
		f.byBatch[items[0]]++
		call = f.byBatch[items[0]]
	}
	f.mu.Unlock()

	if f.submitFn != nil {
		return f.submitFn(ctx, serviceCode, items, call)
	}
	return acceptAll(items), nil
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// CallsFor counts submissions of the batch that starts with first.
func (f *fakeSubmitter) CallsFor(first domain.Item) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byBatch[first]
}

type memoryOrderStore struct {
	mu        sync.Mutex
	rows      map[string]domain.OrderRecord
	failTx    int
	txErr     error
	updated   map[string]string
	pendingFn func(limit int) ([]domain.OrderRecord, error)
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{
		rows:    make(map[string]domain.OrderRecord),
		updated: make(map[string]string),
	}
}

func orderKey(jobID domain.JobID, item domain.Item, serviceCode domain.ServiceCode) string {
	return jobID.String() + "|" + item.String() + "|" + serviceCode.String()
}

func (s *memoryOrderStore) WithTx(ctx context.Context, fn func(tx repository.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTx != 0 {
		if s.failTx > 0 {
			s.failTx--
		}
		return s.txErr
	}

	staged := maps.Clone(s.rows)
	if err := fn(&memoryOrderTx{rows: staged}); err != nil {
		return err
	}
	s.rows = staged
	return nil
}

func (s *memoryOrderStore) ListByJob(ctx context.Context, jobID domain.JobID, params repository.ListParams) ([]domain.OrderRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.OrderRecord
	for _, row := range s.rows {
		if row.JobID != jobID {
			continue
		}
		if params.Status != nil && row.Status != *params.Status {
			continue
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b domain.OrderRecord) int {
		if a.BatchIndex != b.BatchIndex {
			return a.BatchIndex - b.BatchIndex
		}
		if a.Item < b.Item {
			return -1
		}
		if a.Item > b.Item {
			return 1
		}
		return 0
	})
	return out, int64(len(out)), nil
}

func (s *memoryOrderStore) ListPendingRemoteStatus(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	if s.pendingFn != nil {
		return s.pendingFn(limit)
	}
	return nil, nil
}

func (s *memoryOrderStore) UpdateRemoteStatus(ctx context.Context, trackingID, status, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trackingID == "missing" {
		return domain.ErrNotFound
	}
	s.updated[trackingID] = status
	return nil
}

func (s *memoryOrderStore) Rows(jobID domain.JobID) []domain.OrderRecord {
	rows, _, _ := s.ListByJob(context.Background(), jobID, repository.ListParams{})
	return rows
}

type memoryOrderTx struct {
	rows map[string]domain.OrderRecord
}

func (t *memoryOrderTx) InsertOrder(ctx context.Context, o *domain.OrderRecord) error {
	key := orderKey(o.JobID, o.Item, o.ServiceCode)
	if existing, ok := t.rows[key]; ok && existing.Status != domain.ItemStatusErrored {
		return domain.ErrDuplicateKey
	}
	t.rows[key] = *o
	return nil
}

type memoryAttemptRepo struct {
	mu        sync.Mutex
	attempts  []domain.BatchAttempt
	createErr error
}

func (r *memoryAttemptRepo) Create(ctx context.Context, a *domain.BatchAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	r.attempts = append(r.attempts, *a)
	return nil
}

func (r *memoryAttemptRepo) LatestSuccessful(ctx context.Context, jobID domain.JobID, batchIndex int) (*domain.BatchAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.attempts) - 1; i >= 0; i-- {
		a := r.attempts[i]
		if a.JobID == jobID && a.BatchIndex == batchIndex && a.Error == nil && a.Outcome != nil {
			return &a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memoryAttemptRepo) ListByBatch(ctx context.Context, jobID domain.JobID, batchIndex int) ([]domain.BatchAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.BatchAttempt
	for _, a := range r.attempts {
		if a.JobID == jobID && a.BatchIndex == batchIndex {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, key string) (bool, error)
	waitFn  func(ctx context.Context, key string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, key)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

// failingCheckpointStore fails MarkBatchComplete while delegating the rest.
type failingCheckpointStore struct {
	repository.CheckpointStore
	markErr error
}

func (s *failingCheckpointStore) MarkBatchComplete(ctx context.Context, jobID domain.JobID, index int, status domain.BatchStatus, counts domain.Counts) error {
	return s.markErr
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queue string, msg queue.JobMessage) error
	published []queue.JobMessage
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.JobMessage) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeJobSubmitter struct {
	submitFn func(ctx context.Context, req domain.JobRequest, progress domain.ProgressFunc) (*domain.SubmissionResult, error)
}

func (f *fakeJobSubmitter) SubmitJob(ctx context.Context, req domain.JobRequest, progress domain.ProgressFunc) (*domain.SubmissionResult, error) {
	return f.submitFn(ctx, req, progress)
}

type fakeStatusChecker struct {
	statusFn func(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error)
}

func (f *fakeStatusChecker) OrderStatus(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error) {
	return f.statusFn(ctx, trackingIDs)
}
