package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// WebhookTrigger posts deployment requests to a deploy hook URL.
// The hook answers with {"url", "id", "status"}.
type WebhookTrigger struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookTrigger creates a WebhookTrigger allowing perMinute requests per
// minute; perMinute <= 0 disables rate limiting.
func NewWebhookTrigger(url, token string, perMinute int) *WebhookTrigger {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return &WebhookTrigger{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

type hookRequest struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
}

type hookResponse struct {
	URL    string `json:"url"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Trigger requests a deployment of repo at ref
func (w *WebhookTrigger) Trigger(ctx context.Context, repo, ref string) (domain.Deployment, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.Deployment{}, fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(hookRequest{Repository: repo, Ref: ref})
	if err != nil {
		return domain.Deployment{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return domain.Deployment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("deploy hook: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Deployment{}, fmt.Errorf("deploy hook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out hookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.Deployment{}, fmt.Errorf("decode deploy hook response: %w", err)
	}
	status := out.Status
	if status == "" {
		status = "queued"
	}
	return domain.Deployment{
		Success:      status != "error" && status != "failed",
		URL:          out.URL,
		DeploymentID: out.ID,
		Status:       status,
	}, nil
}
