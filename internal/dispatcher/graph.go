package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultGraphTriggerTimeout = 30 * time.Second

var emptyTriggerBody = []byte(`{"inputs":{}}`)

// HTTPGraphTrigger starts a graph run by calling the runtime's trigger
// endpoint. Runs started by a cron trigger carry no inputs.
type HTTPGraphTrigger struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPGraphTrigger(baseURL, apiKey string, timeout time.Duration) *HTTPGraphTrigger {
	if timeout <= 0 {
		timeout = DefaultGraphTriggerTimeout
	}
	return &HTTPGraphTrigger{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
		timeout: timeout,
	}
}

func (g *HTTPGraphTrigger) endpoint(namespace, graphName string) string {
	return fmt.Sprintf("%s/v0/namespace/%s/graph/%s/trigger",
		g.baseURL, url.PathEscape(namespace), url.PathEscape(graphName))
}

// Fire returns an error for transport failures and non-2xx responses.
func (g *HTTPGraphTrigger) Fire(ctx context.Context, namespace, graphName string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost,
		g.endpoint(namespace, graphName), bytes.NewReader(emptyTriggerBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger graph %s/%s: %w", namespace, graphName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("trigger graph %s/%s: status %d: %s",
			namespace, graphName, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
