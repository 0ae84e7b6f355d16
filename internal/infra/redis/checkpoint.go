package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	goredis "github.com/redis/go-redis/v9"
)

// loadOrCreateScript returns the stored {total_batches, batch_size}. The
// checkpoint is only reactivated when both match the caller's layout.
var loadOrCreateScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "label", ARGV[1], "service_code", ARGV[2], "total_batches", ARGV[3],
    "batch_size", ARGV[5], "state", "ACTIVE", "created_at", ARGV[4], "updated_at", ARGV[4])
  return {tonumber(ARGV[3]), tonumber(ARGV[5])}
end
local total = tonumber(redis.call("HGET", KEYS[1], "total_batches"))
local size = tonumber(redis.call("HGET", KEYS[1], "batch_size")) or 0
local want = tonumber(ARGV[5])
if total ~= tonumber(ARGV[3]) or (size > 0 and want > 0 and size ~= want) then
  return {total, size}
end
if redis.call("HGET", KEYS[1], "state") ~= "ACTIVE" then
  redis.call("HSET", KEYS[1], "state", "ACTIVE", "updated_at", ARGV[4])
end
return {total, size}
`)

// markScript returns -1 for a missing checkpoint, -2 for an out of range
// index, 0 when the batch was already COMPLETE and 1 when written.
var markScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local total = tonumber(redis.call("HGET", KEYS[1], "total_batches"))
local idx = tonumber(ARGV[1])
if idx < 0 or idx >= total then
  return -2
end
redis.call("HSET", KEYS[1], "updated_at", ARGV[3])
local current = redis.call("HGET", KEYS[2], ARGV[1])
if current and string.sub(current, 1, 9) == "COMPLETE|" then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var finalizeScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "state", "FINALIZED", "updated_at", ARGV[1])
return 1
`)

var _ repository.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps one hash of job metadata and one hash of finished
// batches per job.
type CheckpointStore struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

func NewCheckpointStore(client *goredis.Client) (*CheckpointStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &CheckpointStore{
		client: client,
		prefix: "checkpoint:",
		now:    time.Now,
	}, nil
}

func (s *CheckpointStore) metaKey(jobID domain.JobID) string {
	return s.prefix + jobID.String()
}

func (s *CheckpointStore) batchesKey(jobID domain.JobID) string {
	return s.prefix + jobID.String() + ":batches"
}

func (s *CheckpointStore) LoadOrCreate(ctx context.Context, key domain.CheckpointKey, totalBatches int) (*domain.Checkpoint, error) {
	if totalBatches <= 0 {
		return nil, fmt.Errorf("%w: total batches must be positive", domain.ErrValidation)
	}

	now := s.now().UTC().UnixNano()
	layout, err := loadOrCreateScript.Run(ctx, s.client,
		[]string{s.metaKey(key.JobID)},
		key.Label, key.ServiceCode.String(), totalBatches, now, max(key.BatchSize, 0),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(layout) != 2 {
		return nil, fmt.Errorf("failed to load checkpoint: unexpected reply %v", layout)
	}
	existing := domain.Checkpoint{JobID: key.JobID, TotalBatches: int(layout[0]), BatchSize: int(layout[1])}
	if err := existing.CheckLayout(totalBatches, key.BatchSize); err != nil {
		return nil, err
	}

	return s.Get(ctx, key.JobID)
}

func (s *CheckpointStore) MarkBatchComplete(ctx context.Context, jobID domain.JobID, index int, status domain.BatchStatus, counts domain.Counts) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid batch status %q", domain.ErrValidation, status)
	}

	now := s.now().UTC()
	result, err := markScript.Run(ctx, s.client,
		[]string{s.metaKey(jobID), s.batchesKey(jobID)},
		index, encodeBatch(status, counts, now), now.UnixNano(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to mark batch complete: %w", err)
	}

	switch result {
	case -1:
		return domain.ErrNotFound
	case -2:
		return fmt.Errorf("%w: batch index %d out of range", domain.ErrValidation, index)
	}
	return nil
}

func (s *CheckpointStore) IsComplete(ctx context.Context, jobID domain.JobID, index int) (bool, error) {
	raw, err := s.client.HGet(ctx, s.batchesKey(jobID), strconv.Itoa(index)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	progress, err := decodeBatch(index, raw)
	if err != nil {
		return false, err
	}
	return progress.Status == domain.BatchStatusComplete, nil
}

func (s *CheckpointStore) Finalize(ctx context.Context, jobID domain.JobID) error {
	result, err := finalizeScript.Run(ctx, s.client,
		[]string{s.metaKey(jobID)},
		s.now().UTC().UnixNano(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	if result == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *CheckpointStore) Get(ctx context.Context, jobID domain.JobID) (*domain.Checkpoint, error) {
	meta, err := s.client.HGetAll(ctx, s.metaKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, domain.ErrNotFound
	}

	total, err := strconv.Atoi(meta["total_batches"])
	if err != nil {
		return nil, fmt.Errorf("invalid total_batches for checkpoint %s: %w", jobID, err)
	}

	// batch_size is absent on checkpoints written before it was recorded.
	batchSize, _ := strconv.Atoi(meta["batch_size"])

	cp := &domain.Checkpoint{
		JobID:        jobID,
		Label:        meta["label"],
		ServiceCode:  domain.ServiceCode(meta["service_code"]),
		TotalBatches: total,
		BatchSize:    batchSize,
		State:        domain.CheckpointState(meta["state"]),
		Batches:      make(map[int]domain.BatchProgress),
		CreatedAt:    parseUnixNano(meta["created_at"]),
		UpdatedAt:    parseUnixNano(meta["updated_at"]),
	}

	batches, err := s.client.HGetAll(ctx, s.batchesKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	for field, raw := range batches {
		index, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid batch index %q for checkpoint %s: %w", field, jobID, err)
		}
		progress, err := decodeBatch(index, raw)
		if err != nil {
			return nil, err
		}
		cp.Batches[index] = progress
	}

	return cp, nil
}

// encodeBatch renders STATUS|succeeded|duplicates|failed|updatedAtNanos.
func encodeBatch(status domain.BatchStatus, counts domain.Counts, at time.Time) string {
	return fmt.Sprintf("%s|%d|%d|%d|%d", status, counts.Succeeded, counts.Duplicates, counts.Failed, at.UnixNano())
}

func decodeBatch(index int, raw string) (domain.BatchProgress, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 5 {
		return domain.BatchProgress{}, fmt.Errorf("malformed batch progress %q", raw)
	}

	values := make([]int64, 4)
	for i, part := range parts[1:] {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return domain.BatchProgress{}, fmt.Errorf("malformed batch progress %q: %w", raw, err)
		}
		values[i] = v
	}

	return domain.BatchProgress{
		Index:  index,
		Status: domain.BatchStatus(parts[0]),
		Counts: domain.Counts{
			Succeeded:  int(values[0]),
			Duplicates: int(values[1]),
			Failed:     int(values[2]),
		},
		UpdatedAt: time.Unix(0, values[3]).UTC(),
	}, nil
}

func parseUnixNano(raw string) time.Time {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
