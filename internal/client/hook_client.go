package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
)

// HookClient posts completion notices to the downstream service that owns
// the target artifact.
type HookClient struct {
	httpClient *http.Client
	url        string
}

func NewHookClient(cfg *config.HooksConfig) *HookClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HookClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.CompletionURL,
	}
}

// JobFinished delivers notice once.
func (c *HookClient) JobFinished(ctx context.Context, notice model.CompletionNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send completion hook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("completion hook error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}
