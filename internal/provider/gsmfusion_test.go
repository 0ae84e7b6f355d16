package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/submission-engine/internal/domain"
)

var testItems = []domain.Item{
	"356938035643809",
	"356938035643810",
	"356938035643811",
}

func newTestClient(t *testing.T, serverURL string) *GSMFusionClient {
	t.Helper()

	c, err := NewGSMFusionClient(GSMFusionConfig{
		BaseURL:  serverURL,
		APIKey:   "key-1",
		Username: "user-1",
	})
	if err != nil {
		t.Fatalf("NewGSMFusionClient() error = %v", err)
	}
	return c
}

func TestGSMFusionClientSubmitBatchSuccess(t *testing.T) {
	t.Parallel()

	var gotForm map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != apiPath {
			t.Errorf("path = %s, want %s", r.URL.Path, apiPath)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotForm = map[string]string{
			"apiKey":    r.PostForm.Get("apiKey"),
			"userId":    r.PostForm.Get("userId"),
			"action":    r.PostForm.Get("action"),
			"imei":      r.PostForm.Get("imei"),
			"networkId": r.PostForm.Get("networkId"),
		}

		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<response>
  <imeis><id>9001</id><imei>356938035643809</imei><status>Pending</status></imeis>
  <imeis><id>9002</id><imei>356938035643810</imei><status>Pending</status></imeis>
  <imeiduplicates><imei>356938035643811</imei></imeiduplicates>
</response>`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	resp, err := c.SubmitBatch(context.Background(), "1042", testItems)
	if err != nil {
		t.Fatalf("SubmitBatch() unexpected error: %v", err)
	}

	if gotForm["apiKey"] != "key-1" || gotForm["userId"] != "user-1" {
		t.Fatalf("credentials = %q/%q, want key-1/user-1", gotForm["apiKey"], gotForm["userId"])
	}
	if gotForm["action"] != actionPlaceOrder {
		t.Fatalf("action = %q, want %q", gotForm["action"], actionPlaceOrder)
	}
	if gotForm["imei"] != "356938035643809,356938035643810,356938035643811" {
		t.Fatalf("imei = %q", gotForm["imei"])
	}
	if gotForm["networkId"] != "1042" {
		t.Fatalf("networkId = %q, want 1042", gotForm["networkId"])
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(resp.Accepted) != 2 {
		t.Fatalf("len(Accepted) = %d, want 2", len(resp.Accepted))
	}
	if resp.Accepted[0].TrackingID != "9001" {
		t.Fatalf("Accepted[0].TrackingID = %q, want 9001", resp.Accepted[0].TrackingID)
	}

	results := resp.Results(testItems)
	want := []domain.ItemStatus{domain.ItemStatusAccepted, domain.ItemStatusAccepted, domain.ItemStatusDuplicate}
	for i, r := range results {
		if r.Status != want[i] {
			t.Fatalf("results[%d].Status = %s, want %s", i, r.Status, want[i])
		}
	}
}

func TestGSMFusionClientSubmitBatchStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request is fatal", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized is fatal", statusCode: http.StatusUnauthorized, wantTransient: false},
		{name: "not found is fatal", statusCode: http.StatusNotFound, wantTransient: false},
		{name: "internal server error is transient", statusCode: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("provider failed"))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL)

			_, err := c.SubmitBatch(context.Background(), "1042", testItems)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if providerErr.StatusCode != tc.statusCode {
				t.Fatalf("ProviderError.StatusCode = %d, want %d", providerErr.StatusCode, tc.statusCode)
			}
		})
	}
}

func TestGSMFusionClientSubmitBatchInBandErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		body           string
		wantErr        bool
		wantTransient  bool
		wantBilled     bool
		wantDuplicates int
	}{
		{
			name:           "already exists marks every item duplicate",
			body:           `<response><error>IMEI already exists in your account</error></response>`,
			wantDuplicates: len(testItems),
		},
		{
			name:          "rate limit message is transient",
			body:          `<response><error>Rate limit reached, try again later</error></response>`,
			wantErr:       true,
			wantTransient: true,
		},
		{
			name:    "unknown message is fatal",
			body:    `<response><error>Invalid network</error></response>`,
			wantErr: true,
		},
		{
			name:    "bare text error is fatal",
			body:    `<error>Authentication failed</error>`,
			wantErr: true,
		},
		{
			name:       "undecodable body is fatal",
			body:       `<html><body>gateway`,
			wantErr:    true,
			wantBilled: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL)

			resp, err := c.SubmitBatch(context.Background(), "1042", testItems)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if got := IsTransient(err); got != tc.wantTransient {
					t.Fatalf("IsTransient() = %v, want %v (err=%v)", got, tc.wantTransient, err)
				}
				if got := MayHaveBilled(err); got != tc.wantBilled {
					t.Fatalf("MayHaveBilled() = %v, want %v (err=%v)", got, tc.wantBilled, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SubmitBatch() unexpected error: %v", err)
			}
			if len(resp.Duplicates) != tc.wantDuplicates {
				t.Fatalf("len(Duplicates) = %d, want %d", len(resp.Duplicates), tc.wantDuplicates)
			}
		})
	}
}

func TestGSMFusionClientSubmitBatchErrorNextToOrders(t *testing.T) {
	t.Parallel()

	messages := []string{
		"IMEI already exists in your account",
		"Please try again later",
		"Invalid network",
	}

	for _, msg := range messages {
		msg := msg
		t.Run(msg, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<response>
  <imeis><id>9001</id><imei>356938035643809</imei><status>Pending</status></imeis>
  <error>` + msg + `</error>
</response>`))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL)

			resp, err := c.SubmitBatch(context.Background(), "1042", testItems)
			if err != nil {
				t.Fatalf("SubmitBatch() error = %v, want the placed order reported", err)
			}
			if len(resp.Accepted) != 1 || resp.Accepted[0].TrackingID != "9001" {
				t.Fatalf("Accepted = %+v, want order 9001", resp.Accepted)
			}
			if len(resp.Duplicates) != 0 {
				t.Fatalf("Duplicates = %v, want none", resp.Duplicates)
			}

			results := resp.Results(testItems)
			want := []domain.ItemStatus{domain.ItemStatusAccepted, domain.ItemStatusErrored, domain.ItemStatusErrored}
			for i, r := range results {
				if r.Status != want[i] {
					t.Fatalf("results[%d].Status = %s, want %s", i, r.Status, want[i])
				}
			}
		})
	}
}

func TestProviderErrorMessageTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	body := "x" + strings.Repeat("é", 400)
	msg := providerErrorMessage(http.StatusBadGateway, body)

	if !utf8.ValidString(msg) {
		t.Fatalf("message is not valid UTF-8: %q", msg)
	}
	prefix := "provider returned status 502: "
	if !strings.HasPrefix(msg, prefix) {
		t.Fatalf("message = %q, want prefix %q", msg, prefix)
	}
	if got := len(msg) - len(prefix); got != 511 {
		t.Fatalf("kept %d body bytes, want 511", got)
	}
}

func TestGSMFusionClientRepairsMalformedPrologAndResultWrapper(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?phpxml version="1.0"?>
<response><result>
  <imeis><id>77</id><imei>356938035643809</imei><status>Pending</status></imeis>
  <imeierrors><imei>356938035643810</imei><error>Invalid IMEI</error></imeierrors>
</result></response>`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	resp, err := c.SubmitBatch(context.Background(), "1042", testItems)
	if err != nil {
		t.Fatalf("SubmitBatch() unexpected error: %v", err)
	}

	results := resp.Results(testItems)
	if results[0].Status != domain.ItemStatusAccepted || results[0].TrackingID != "77" {
		t.Fatalf("results[0] = %+v, want accepted with tracking id 77", results[0])
	}
	if results[1].Status != domain.ItemStatusRejected || results[1].Reason != "Invalid IMEI" {
		t.Fatalf("results[1] = %+v, want rejected with reason", results[1])
	}
	if results[2].Status != domain.ItemStatusErrored || results[2].Reason != missingFromResponseReason {
		t.Fatalf("results[2] = %+v, want errored as missing", results[2])
	}
}

func TestGSMFusionClientSubmitBatchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`<response></response>`))
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	c, err := NewGSMFusionClientWithClient(GSMFusionConfig{
		BaseURL:  server.URL,
		APIKey:   "key-1",
		Username: "user-1",
	}, client)
	if err != nil {
		t.Fatalf("NewGSMFusionClientWithClient() error = %v", err)
	}

	_, err = c.SubmitBatch(context.Background(), "1042", testItems)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestGSMFusionClientCanceledContextIsNotTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<response></response>`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SubmitBatch(ctx, "1042", testItems)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("IsTransient() = true, want false (err=%v)", err)
	}
}

func TestGSMFusionClientOrderStatus(t *testing.T) {
	t.Parallel()

	var gotAction, gotIDs string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotAction = r.PostForm.Get("action")
		gotIDs = r.PostForm.Get("orderIds")
		_, _ = w.Write([]byte(`<response>
  <imeis><id>9001</id><imei>356938035643809</imei><status>Completed</status><code>UNLOCK-1</code></imeis>
</response>`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	orders, err := c.OrderStatus(context.Background(), []string{"9001", "9002"})
	if err != nil {
		t.Fatalf("OrderStatus() unexpected error: %v", err)
	}
	if gotAction != actionGetOrders {
		t.Fatalf("action = %q, want %q", gotAction, actionGetOrders)
	}
	if gotIDs != "9001,9002" {
		t.Fatalf("orderIds = %q, want 9001,9002", gotIDs)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	if orders[0].Status != "Completed" || orders[0].Code != "UNLOCK-1" {
		t.Fatalf("orders[0] = %+v", orders[0])
	}
}

func TestNewGSMFusionClientValidatesConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cfg  GSMFusionConfig
	}{
		{name: "missing base url", cfg: GSMFusionConfig{APIKey: "k", Username: "u"}},
		{name: "invalid base url", cfg: GSMFusionConfig{BaseURL: "::not-a-url", APIKey: "k", Username: "u"}},
		{name: "missing api key", cfg: GSMFusionConfig{BaseURL: "http://localhost", Username: "u"}},
		{name: "missing username", cfg: GSMFusionConfig{BaseURL: "http://localhost", APIKey: "k"}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := NewGSMFusionClient(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
