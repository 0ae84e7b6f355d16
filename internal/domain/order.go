package domain

import (
	"strings"
	"time"
)

// OrderRecord is the durable outcome of one item.
type OrderRecord struct {
	ID           string
	JobID        JobID
	BatchIndex   int
	Item         Item
	ServiceCode  ServiceCode
	TrackingID   *string
	Status       ItemStatus
	Reason       string
	RawPayload   string
	RemoteStatus *string
	RemoteCode   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RemoteOrder is the status the external service reports for an order.
type RemoteOrder struct {
	TrackingID  string
	Item        Item
	Status      string
	Code        string
	RequestedAt string
}

const (
	RemoteStatusCompleted = "Completed"
	RemoteStatusRejected  = "Rejected"
)

// IsFinalRemoteStatus reports whether the remote side has finished the order.
func IsFinalRemoteStatus(status string) bool {
	return strings.EqualFold(status, RemoteStatusCompleted) || strings.EqualFold(status, RemoteStatusRejected)
}
