package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/assistline/smsgate/pkg/logging"
)

// HTTPRuntime calls an external conversational service over HTTP:
// POST {url} with {"user_id", "text"}, expecting {"reply"}.
type HTTPRuntime struct {
	url    string
	client *http.Client
	log    *logging.Logger
}

func NewHTTPRuntime(url string, logger *logging.Logger) *HTTPRuntime {
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPRuntime{
		url: url,
		// No client timeout: the Bounded wrapper owns the deadline.
		client: &http.Client{},
		log:    logger.Component("agent"),
	}
}

func (h *HTTPRuntime) Handle(ctx context.Context, userID int64, text string) (string, error) {
	if h.url == "" {
		return "", errors.New("agent: runtime url not configured")
	}

	payload, err := json.Marshal(map[string]any{"user_id": userID, "text": text})
	if err != nil {
		return "", fmt.Errorf("agent: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent: call runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("agent: runtime status %d", resp.StatusCode)
	}

	var body struct {
		Reply string `json:"reply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("agent: decode response: %w", err)
	}
	if body.Reply == "" {
		return "", errors.New("agent: empty reply")
	}
	return body.Reply, nil
}
