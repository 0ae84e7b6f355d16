package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

const jobIDLength = 32

// JobID is the content-derived identity of a submission job. The same items,
// service code and label always produce the same JobID.
type JobID string

func (id JobID) String() string { return string(id) }

func NewJobID(label string, serviceCode ServiceCode, items []Item) JobID {
	sorted := ItemStrings(items)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(label)))
	h.Write([]byte{0})
	h.Write([]byte(serviceCode))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))

	return JobID(hex.EncodeToString(h.Sum(nil))[:jobIDLength])
}

func ParseJobID(raw string) (JobID, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) != jobIDLength {
		return "", fmt.Errorf("%w: job id must be %d hex characters", ErrValidation, jobIDLength)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", fmt.Errorf("%w: job id must be hex encoded", ErrValidation)
	}
	return JobID(value), nil
}

// JobRequest is what callers hand to the coordinator.
type JobRequest struct {
	Items       []string
	ServiceCode string
	Label       string
}

// Job is a validated JobRequest. Items are in ascending order so that the
// batches cut from them depend only on the item set, like the JobID.
type Job struct {
	ID          JobID
	Label       string
	ServiceCode ServiceCode
	Items       []Item
}

func (r JobRequest) Validate() (*Job, error) {
	serviceCode, err := ParseServiceCode(r.ServiceCode)
	if err != nil {
		return nil, err
	}
	items, err := ParseItems(r.Items)
	if err != nil {
		return nil, err
	}
	slices.Sort(items)

	label := strings.TrimSpace(r.Label)
	return &Job{
		ID:          NewJobID(label, serviceCode, items),
		Label:       label,
		ServiceCode: serviceCode,
		Items:       items,
	}, nil
}

// JobState tracks the coordinator's progress through a job.
type JobState string

const (
	JobStateCreated     JobState = "CREATED"
	JobStateSplitting   JobState = "SPLITTING"
	JobStateDispatching JobState = "DISPATCHING"
	JobStateAggregating JobState = "AGGREGATING"
	JobStateFinished    JobState = "FINISHED"
	JobStateCancelled   JobState = "CANCELLED"
)

func (s JobState) String() string { return string(s) }

// ProgressFunc receives completed/total batch counts.
type ProgressFunc func(completed, total int)

// SubmissionResult reports exact counts for a job, including batches
// completed by earlier runs of the same JobID.
type SubmissionResult struct {
	JobID           JobID
	State           JobState
	Total           int
	Succeeded       int
	Duplicates      int
	Failed          int
	Batches         int
	ResumedBatches  int
	FailedBatches   int
	DurationSeconds float64
}

func (r SubmissionResult) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.Total) * 100
}

func (r SubmissionResult) Pending() int {
	return r.Total - r.Succeeded - r.Duplicates - r.Failed
}

func durationSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func (r *SubmissionResult) SetDuration(d time.Duration) {
	r.DurationSeconds = durationSeconds(d)
}
