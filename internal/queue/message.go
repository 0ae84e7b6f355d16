package queue

import (
	"fmt"
	"strings"
	"time"
)

// JobMessage is the broker payload for a submission job.
type JobMessage struct {
	JobID       string    `json:"jobId"`
	Label       string    `json:"label,omitempty"`
	ServiceCode string    `json:"serviceCode"`
	Items       []string  `json:"items"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if strings.TrimSpace(m.ServiceCode) == "" {
		return fmt.Errorf("serviceCode is required")
	}
	if len(m.Items) == 0 {
		return fmt.Errorf("items are required")
	}
	return nil
}
