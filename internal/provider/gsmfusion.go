package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/submission-engine/internal/domain"
)

const (
	defaultRequestTimeout = 60 * time.Second
	apiPath               = "/gsmfusion_api/index.php"
	maxErrorBody          = 512

	actionPlaceOrder = "placeorder"
	actionGetOrders  = "getimeis"
)

var (
	_ Submitter     = (*GSMFusionClient)(nil)
	_ StatusChecker = (*GSMFusionClient)(nil)
)

type GSMFusionConfig struct {
	BaseURL  string
	APIKey   string
	Username string
	Timeout  time.Duration
}

// GSMFusionClient talks to the GSM Fusion form/XML API.
type GSMFusionClient struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	username string
}

func NewGSMFusionClient(cfg GSMFusionConfig) (*GSMFusionClient, error) {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewGSMFusionClientWithClient(cfg, client)
}

func NewGSMFusionClientWithClient(cfg GSMFusionConfig, client *resty.Client) (*GSMFusionClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider api key is required")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("provider username is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRequestTimeout)
	}
	// Retries are owned by the worker pool so that every attempt is journaled.
	client.SetRetryCount(0)

	return &GSMFusionClient{
		client:   client,
		endpoint: baseURL + apiPath,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		username: strings.TrimSpace(cfg.Username),
	}, nil
}

func (c *GSMFusionClient) SubmitBatch(ctx context.Context, serviceCode domain.ServiceCode, items []domain.Item) (*BatchResponse, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if len(items) == 0 {
		return nil, &ProviderError{Action: actionPlaceOrder, Message: "batch has no items"}
	}

	statusCode, body, err := c.post(ctx, actionPlaceOrder, map[string]string{
		"imei":      strings.Join(domain.ItemStrings(items), ","),
		"networkId": serviceCode.String(),
	})
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		// The remote may already have billed the batch, so a garbled 2xx is not retried.
		return nil, &ProviderError{
			Action:     actionPlaceOrder,
			StatusCode: statusCode,
			Message:    "undecodable provider response",
			Reached:    true,
			Cause:      err,
		}
	}

	// An <error> only speaks for the whole batch when nothing else came back.
	// Orders listed next to it were placed and must keep their tracking ids.
	if msg := env.errorMessage(); msg != "" && env.empty() {
		switch classifyErrorMessage(msg) {
		case errorClassDuplicate:
			return &BatchResponse{
				Duplicates: append([]domain.Item(nil), items...),
				StatusCode: statusCode,
				Body:       body,
			}, nil
		case errorClassTransient:
			return nil, &ProviderError{Action: actionPlaceOrder, StatusCode: statusCode, Message: msg, Transient: true}
		default:
			return nil, &ProviderError{Action: actionPlaceOrder, StatusCode: statusCode, Message: msg}
		}
	}

	resp := env.batchResponse()
	resp.StatusCode = statusCode
	resp.Body = body
	return resp, nil
}

func (c *GSMFusionClient) OrderStatus(ctx context.Context, trackingIDs []string) ([]domain.RemoteOrder, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if len(trackingIDs) == 0 {
		return nil, nil
	}

	statusCode, body, err := c.post(ctx, actionGetOrders, map[string]string{
		"orderIds": strings.Join(trackingIDs, ","),
	})
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, &ProviderError{Action: actionGetOrders, StatusCode: statusCode, Message: "undecodable provider response", Reached: true, Cause: err}
	}
	if msg := env.errorMessage(); msg != "" && env.empty() {
		return nil, &ProviderError{
			Action:     actionGetOrders,
			StatusCode: statusCode,
			Message:    msg,
			Transient:  classifyErrorMessage(msg) == errorClassTransient,
		}
	}

	return env.remoteOrders(), nil
}

func (c *GSMFusionClient) post(ctx context.Context, action string, params map[string]string) (int, string, error) {
	form := map[string]string{
		"apiKey": c.apiKey,
		"userId": c.username,
		"action": action,
	}
	for k, v := range params {
		form[k] = v
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(c.endpoint)
	if err != nil {
		return 0, "", &ProviderError{
			Action:    action,
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return 0, "", &ProviderError{
			Action:    action,
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := strings.TrimSpace(response.String())

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return statusCode, body, &ProviderError{
			Action:     action,
			StatusCode: statusCode,
			Message:    providerErrorMessage(statusCode, body),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}
	if body == "" {
		return statusCode, body, &ProviderError{
			Action:     action,
			StatusCode: statusCode,
			Reached:    true,
			Message:    "empty body",
			Transient:  true,
		}
	}

	return statusCode, body, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		base = fmt.Sprintf("provider rejected credentials (status %d)", statusCode)
	}
	if body == "" {
		return base
	}
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return fmt.Sprintf("%s: %s", base, body)
}
