package provider

import (
	"context"

	"github.com/kursadbilgin/submission-engine/internal/domain"
)

// Submitter is the outbound batch submission port.
type Submitter interface {
	SubmitBatch(ctx context.Context, serviceCode domain.ServiceCode, items []domain.Item) (*BatchResponse, error)
}

// StatusChecker queries the remote status of previously accepted orders.
type StatusChecker interface {
	OrderStatus(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error)
}

type AcceptedItem struct {
	Item       domain.Item
	TrackingID string
	Status     string
}

type RejectedItem struct {
	Item   domain.Item
	Reason string
}

// BatchResponse is the typed result of one batch submit call.
type BatchResponse struct {
	Accepted   []AcceptedItem
	Duplicates []domain.Item
	Rejected   []RejectedItem
	StatusCode int
	Body       string
}

const missingFromResponseReason = "missing from provider response"

// Results maps the response onto every submitted item in submission order.
// Items the provider did not mention are reported as errored.
func (r *BatchResponse) Results(items []domain.Item) []domain.ItemResult {
	byItem := make(map[domain.Item]domain.ItemResult, len(items))
	if r != nil {
		for _, a := range r.Accepted {
			byItem[a.Item] = domain.ItemResult{Item: a.Item, Status: domain.ItemStatusAccepted, TrackingID: a.TrackingID}
		}
		for _, d := range r.Duplicates {
			if _, ok := byItem[d]; !ok {
				byItem[d] = domain.ItemResult{Item: d, Status: domain.ItemStatusDuplicate}
			}
		}
		for _, rej := range r.Rejected {
			if _, ok := byItem[rej.Item]; !ok {
				byItem[rej.Item] = domain.ItemResult{Item: rej.Item, Status: domain.ItemStatusRejected, Reason: rej.Reason}
			}
		}
	}

	results := make([]domain.ItemResult, 0, len(items))
	for _, item := range items {
		result, ok := byItem[item]
		if !ok {
			result = domain.ItemResult{Item: item, Status: domain.ItemStatusErrored, Reason: missingFromResponseReason}
		}
		results = append(results, result)
	}
	return results
}
