package domain

import "time"

// BatchAttempt journals a single remote call for a batch.
type BatchAttempt struct {
	ID            string
	JobID         JobID
	BatchIndex    int
	AttemptNumber int
	StatusCode    *int
	Error         *string
	Outcome       *BatchOutcome
	CreatedAt     time.Time
}

// Succeeded reports whether the remote call returned a usable response.
func (a BatchAttempt) Succeeded() bool {
	return a.Error == nil && a.Outcome != nil && !a.Outcome.Failed()
}
