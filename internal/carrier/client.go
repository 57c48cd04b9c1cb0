// Package carrier is the thin capability layer over the SMS carrier's REST
// API and webhooks: outbound sends, webhook signature validation, and
// provider error classification.
package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/assistline/smsgate/pkg/logging"
)

var sendTracer = otel.Tracer("smsgate.internal.carrier.send")

// ErrUnavailable marks network failures, timeouts, and carrier 5xx responses.
// Callers treat it as transient.
var ErrUnavailable = errors.New("carrier: unavailable")

// APIError is a structured carrier rejection (HTTP 4xx with an error body).
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("carrier: status %d code %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("carrier: status %d: %s", e.StatusCode, e.Message)
}

// SendRequest describes one outbound message.
type SendRequest struct {
	From           string
	To             string
	Body           string
	StatusCallback string
}

// SendResult is the carrier's acceptance of an outbound message.
type SendResult struct {
	SID    string
	Status string
}

// Client posts messages to the carrier REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient builds a carrier client with the configured send timeout.
func NewClient(accountSID, authToken, baseURL string, timeout time.Duration, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send posts one SMS and returns the carrier-assigned message sid. Network
// errors, timeouts, and 5xx responses come back wrapped in ErrUnavailable;
// 4xx responses come back as *APIError.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if c.accountSID == "" || c.authToken == "" {
		return nil, errors.New("carrier: credentials missing")
	}
	if req.To == "" || req.From == "" {
		return nil, errors.New("carrier: from and to required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, errors.New("carrier: body required")
	}

	ctx, span := sendTracer.Start(ctx, "carrier.send")
	defer span.End()
	span.SetAttributes(attribute.String("smsgate.to", req.To))

	payload := url.Values{}
	payload.Set("From", req.From)
	payload.Set("To", req.To)
	payload.Set("Body", req.Body)
	if req.StatusCallback != "" {
		payload.Set("StatusCallback", req.StatusCallback)
	}

	endpoint := c.baseURL + "/Messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("carrier: build request: %w", err)
	}
	httpReq.SetBasicAuth(c.accountSID, c.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		err := fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, body)
		span.RecordError(apiErr)
		return nil, apiErr
	}

	var parsed struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("carrier: decode response: %w", err)
	}
	if parsed.SID == "" {
		return nil, errors.New("carrier: response missing sid")
	}
	if parsed.Status == "" {
		parsed.Status = "queued"
	}

	c.logger.Info("carrier send accepted", "sid", parsed.SID, "status", parsed.Status)
	return &SendResult{SID: parsed.SID, Status: parsed.Status}, nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiErr.Code = parsed.Code.String()
		apiErr.Message = parsed.Message
	}
	return apiErr
}
