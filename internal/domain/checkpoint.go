package domain

import (
	"fmt"
	"time"
)

type CheckpointState string

const (
	CheckpointStateActive    CheckpointState = "ACTIVE"
	CheckpointStateFinalized CheckpointState = "FINALIZED"
)

func (s CheckpointState) String() string { return string(s) }

// BatchStatus is the durable completion status of one batch.
type BatchStatus string

const (
	BatchStatusComplete BatchStatus = "COMPLETE"
	BatchStatusFailed   BatchStatus = "FAILED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	return s == BatchStatusComplete || s == BatchStatusFailed
}

// BatchStatusFor maps an outcome to the status recorded in a checkpoint.
func BatchStatusFor(outcome BatchOutcome) BatchStatus {
	if outcome.Failed() {
		return BatchStatusFailed
	}
	return BatchStatusComplete
}

type BatchProgress struct {
	Index     int         `json:"index"`
	Status    BatchStatus `json:"status"`
	Counts    Counts      `json:"counts"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CheckpointKey identifies the job a checkpoint belongs to. BatchSize is the
// split size the batch indexes were cut with; zero means unknown.
type CheckpointKey struct {
	JobID       JobID
	Label       string
	ServiceCode ServiceCode
	BatchSize   int
}

// Checkpoint is the durable progress record of a job.
type Checkpoint struct {
	JobID        JobID
	Label        string
	ServiceCode  ServiceCode
	TotalBatches int
	BatchSize    int
	State        CheckpointState
	Batches      map[int]BatchProgress
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CheckLayout returns ErrConflict when the checkpoint was cut into batches
// differently than totalBatches of batchSize. Batch indexes are only
// comparable between runs with the same layout. A zero batch size on either
// side is not compared.
func (c *Checkpoint) CheckLayout(totalBatches, batchSize int) error {
	if c.TotalBatches != totalBatches {
		return fmt.Errorf("%w: checkpoint %s has %d batches, job has %d",
			ErrConflict, c.JobID, c.TotalBatches, totalBatches)
	}
	if c.BatchSize > 0 && batchSize > 0 && c.BatchSize != batchSize {
		return fmt.Errorf("%w: checkpoint %s was split into batches of %d, job uses %d",
			ErrConflict, c.JobID, c.BatchSize, batchSize)
	}
	return nil
}

func (c *Checkpoint) IsComplete(index int) bool {
	if c == nil {
		return false
	}
	progress, ok := c.Batches[index]
	return ok && progress.Status == BatchStatusComplete
}

// Counts sums the counts recorded for every finished batch.
func (c *Checkpoint) Counts() Counts {
	var total Counts
	if c == nil {
		return total
	}
	for _, progress := range c.Batches {
		total = total.Add(progress.Counts)
	}
	return total
}

func (c *Checkpoint) CompletedBatches() int {
	n := 0
	if c == nil {
		return n
	}
	for _, progress := range c.Batches {
		if progress.Status == BatchStatusComplete {
			n++
		}
	}
	return n
}

func (c *Checkpoint) FailedBatches() int {
	n := 0
	if c == nil {
		return n
	}
	for _, progress := range c.Batches {
		if progress.Status == BatchStatusFailed {
			n++
		}
	}
	return n
}

// Abandoned reports an active checkpoint that has not been touched for
// longer than staleAfter.
func (c *Checkpoint) Abandoned(now time.Time, staleAfter time.Duration) bool {
	if c == nil || c.State != CheckpointStateActive {
		return false
	}
	return now.Sub(c.UpdatedAt) > staleAfter
}
