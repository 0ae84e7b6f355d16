package domain

// ItemStatus is the terminal per-item result of a submission.
type ItemStatus string

const (
	ItemStatusAccepted  ItemStatus = "ACCEPTED"
	ItemStatusDuplicate ItemStatus = "DUPLICATE"
	ItemStatusRejected  ItemStatus = "REJECTED"
	ItemStatusErrored   ItemStatus = "ERRORED"
)

func (s ItemStatus) String() string { return string(s) }

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusAccepted, ItemStatusDuplicate, ItemStatusRejected, ItemStatusErrored:
		return true
	}
	return false
}

// SubmissionBatch is the unit of network interaction and of persistence.
type SubmissionBatch struct {
	JobID       JobID
	Index       int
	ServiceCode ServiceCode
	Items       []Item
}

// OutcomeKind tags a BatchOutcome.
type OutcomeKind string

const (
	OutcomeSucceeded          OutcomeKind = "SUCCEEDED"
	OutcomePartiallyDuplicate OutcomeKind = "PARTIALLY_DUPLICATE"
	OutcomeFailed             OutcomeKind = "FAILED"
)

func (k OutcomeKind) String() string { return string(k) }

type ItemResult struct {
	Item       Item       `json:"item"`
	Status     ItemStatus `json:"status"`
	TrackingID string     `json:"trackingId,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// BatchOutcome is the result of driving one batch to a terminal state.
type BatchOutcome struct {
	Kind       OutcomeKind  `json:"kind"`
	Results    []ItemResult `json:"results"`
	Attempts   int          `json:"attempts"`
	Retryable  bool         `json:"retryable,omitempty"`
	Error      string       `json:"error,omitempty"`
	RawPayload string       `json:"rawPayload,omitempty"`
}

// NewResponseOutcome tags a set of per-item results coming from a successful
// remote call.
func NewResponseOutcome(results []ItemResult, rawPayload string, attempts int) BatchOutcome {
	kind := OutcomeSucceeded
	for _, r := range results {
		if r.Status == ItemStatusDuplicate {
			kind = OutcomePartiallyDuplicate
			break
		}
	}
	return BatchOutcome{
		Kind:       kind,
		Results:    results,
		Attempts:   attempts,
		RawPayload: rawPayload,
	}
}

// NewFailedOutcome marks every item of the batch as errored.
func NewFailedOutcome(batch SubmissionBatch, cause error, retryable bool, attempts int) BatchOutcome {
	reason := "submission failed"
	if cause != nil {
		reason = cause.Error()
	}

	results := make([]ItemResult, 0, len(batch.Items))
	for _, item := range batch.Items {
		results = append(results, ItemResult{
			Item:   item,
			Status: ItemStatusErrored,
			Reason: reason,
		})
	}
	return BatchOutcome{
		Kind:      OutcomeFailed,
		Results:   results,
		Attempts:  attempts,
		Retryable: retryable,
		Error:     reason,
	}
}

func (o BatchOutcome) Failed() bool { return o.Kind == OutcomeFailed }

func (o BatchOutcome) Counts() Counts {
	var c Counts
	for _, r := range o.Results {
		c = c.Record(r.Status)
	}
	return c
}

// Counts aggregates per-item terminal statuses.
type Counts struct {
	Succeeded  int `json:"succeeded"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

func (c Counts) Record(status ItemStatus) Counts {
	switch status {
	case ItemStatusAccepted:
		c.Succeeded++
	case ItemStatusDuplicate:
		c.Duplicates++
	case ItemStatusRejected, ItemStatusErrored:
		c.Failed++
	}
	return c
}

func (c Counts) Add(other Counts) Counts {
	return Counts{
		Succeeded:  c.Succeeded + other.Succeeded,
		Duplicates: c.Duplicates + other.Duplicates,
		Failed:     c.Failed + other.Failed,
	}
}

func (c Counts) Total() int { return c.Succeeded + c.Duplicates + c.Failed }

// BatchState is the in-flight lifecycle of one batch inside a worker.
type BatchState string

const (
	BatchStatePending    BatchState = "PENDING"
	BatchStateSubmitting BatchState = "SUBMITTING"
	BatchStateRetrying   BatchState = "RETRYING"
	BatchStatePersisting BatchState = "PERSISTING"
	BatchStateComplete   BatchState = "COMPLETE"
	BatchStateFailed     BatchState = "FAILED"
)

func (s BatchState) String() string { return string(s) }
