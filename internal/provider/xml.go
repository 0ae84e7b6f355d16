package provider

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/kursadbilgin/submission-engine/internal/domain"
)

const malformedProlog = "<?phpxml"

// envelope covers both the bare and the <result>-wrapped response shapes.
type envelope struct {
	Text       string         `xml:",chardata"`
	Errors     []string       `xml:"error"`
	Orders     []xmlOrder     `xml:"imeis"`
	Duplicates []xmlDuplicate `xml:"imeiduplicates"`
	Rejected   []xmlRejected  `xml:"imeierrors"`
	Result     []envelope     `xml:"result"`
}

type xmlOrder struct {
	ID          string `xml:"id"`
	IMEI        string `xml:"imei"`
	Status      string `xml:"status"`
	Code        string `xml:"code"`
	Package     string `xml:"package"`
	RequestedAt string `xml:"requestedat"`
}

type xmlDuplicate struct {
	IMEI string `xml:"imei"`
}

type xmlRejected struct {
	IMEI  string `xml:"imei"`
	Error string `xml:"error"`
}

func decodeEnvelope(body string) (*envelope, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, malformedProlog) {
		trimmed = "<?xml" + strings.TrimPrefix(trimmed, malformedProlog)
	}

	var env envelope
	if err := xml.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, fmt.Errorf("failed to decode provider xml: %w", err)
	}
	return env.flatten(), nil
}

func (e *envelope) flatten() *envelope {
	out := &envelope{
		Text:       strings.TrimSpace(e.Text),
		Errors:     append([]string(nil), e.Errors...),
		Orders:     append([]xmlOrder(nil), e.Orders...),
		Duplicates: append([]xmlDuplicate(nil), e.Duplicates...),
		Rejected:   append([]xmlRejected(nil), e.Rejected...),
	}
	for i := range e.Result {
		inner := e.Result[i].flatten()
		out.Errors = append(out.Errors, inner.Errors...)
		out.Orders = append(out.Orders, inner.Orders...)
		out.Duplicates = append(out.Duplicates, inner.Duplicates...)
		out.Rejected = append(out.Rejected, inner.Rejected...)
	}
	return out
}

func (e *envelope) errorMessage() string {
	if len(e.Errors) == 0 && e.empty() {
		return e.Text
	}

	messages := make([]string, 0, len(e.Errors))
	for _, msg := range e.Errors {
		if trimmed := strings.TrimSpace(msg); trimmed != "" {
			messages = append(messages, trimmed)
		}
	}
	return strings.Join(messages, "; ")
}

func (e *envelope) empty() bool {
	return len(e.Orders) == 0 && len(e.Duplicates) == 0 && len(e.Rejected) == 0
}

func (e *envelope) batchResponse() *BatchResponse {
	resp := &BatchResponse{}
	for _, o := range e.Orders {
		resp.Accepted = append(resp.Accepted, AcceptedItem{
			Item:       domain.Item(strings.TrimSpace(o.IMEI)),
			TrackingID: strings.TrimSpace(o.ID),
			Status:     strings.TrimSpace(o.Status),
		})
	}
	for _, d := range e.Duplicates {
		for _, raw := range strings.Split(d.IMEI, ",") {
			if value := strings.TrimSpace(raw); value != "" {
				resp.Duplicates = append(resp.Duplicates, domain.Item(value))
			}
		}
	}
	for _, r := range e.Rejected {
		resp.Rejected = append(resp.Rejected, RejectedItem{
			Item:   domain.Item(strings.TrimSpace(r.IMEI)),
			Reason: strings.TrimSpace(r.Error),
		})
	}
	return resp
}

func (e *envelope) remoteOrders() []domain.RemoteOrder {
	orders := make([]domain.RemoteOrder, 0, len(e.Orders))
	for _, o := range e.Orders {
		orders = append(orders, domain.RemoteOrder{
			TrackingID:  strings.TrimSpace(o.ID),
			Item:        domain.Item(strings.TrimSpace(o.IMEI)),
			Status:      strings.TrimSpace(o.Status),
			Code:        strings.TrimSpace(o.Code),
			RequestedAt: strings.TrimSpace(o.RequestedAt),
		})
	}
	return orders
}

// errorClass is how an in-band <error> message is treated.
type errorClass int

const (
	errorClassFatal errorClass = iota
	errorClassTransient
	errorClassDuplicate
)

func classifyErrorMessage(msg string) errorClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already exists"):
		return errorClassDuplicate
	case strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "temporarily"),
		strings.Contains(lower, "try again"):
		return errorClassTransient
	default:
		return errorClassFatal
	}
}
