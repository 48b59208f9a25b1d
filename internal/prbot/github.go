package prbot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// RetryConfig configures retries of GitHub API calls
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// GitHubAPI creates pull requests through the GitHub REST API
type GitHubAPI struct {
	client *github.Client
	retry  RetryConfig
	logger *zap.Logger
}

// NewGitHubAPI creates a GitHubAPI authenticated with token. A non-empty
// apiURL replaces the default https://api.github.com/.
func NewGitHubAPI(ctx context.Context, token, apiURL string, retry RetryConfig, logger *zap.Logger) (*GitHubAPI, error) {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		client.BaseURL = u
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	return &GitHubAPI{client: client, retry: retry, logger: logger}, nil
}

// CreatePR opens a pull request and applies labels
func (g *GitHubAPI) CreatePR(ctx context.Context, req PRRequest) (PRResult, error) {
	owner, repo, err := domain.ParseRepoURL(req.RepoURL)
	if err != nil {
		return PRResult{}, err
	}

	var pr *github.PullRequest
	_, err = g.withRetry(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.String(req.Title),
			Body:  github.String(req.Body),
			Base:  github.String(req.Base),
			Head:  github.String(req.Head),
		})
		return resp, err
	})
	if err != nil {
		return PRResult{}, fmt.Errorf("create pull request %s/%s: %w", owner, repo, err)
	}

	res := PRResult{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}
	if len(req.Labels) > 0 {
		_, err := g.withRetry(ctx, func() (*github.Response, error) {
			_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, owner, repo, res.Number, req.Labels)
			return resp, err
		})
		if err != nil {
			g.logger.Warn("adding PR labels failed", zap.Int("pr", res.Number), zap.Error(err))
		}
	}
	return res, nil
}

// withRetry retries a GitHub API operation with exponential backoff
func (g *GitHubAPI) withRetry(ctx context.Context, operation func() (*github.Response, error)) (*github.Response, error) {
	backoff := g.retry.InitialBackoff
	var lastErr error
	var lastResp *github.Response

	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		resp, err := operation()
		if err == nil {
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !isRetryable(err, resp) || attempt == g.retry.MaxRetries {
			break
		}

		g.logger.Info("retrying GitHub API operation",
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * g.retry.BackoffMultiplier)
		if backoff > g.retry.MaxBackoff {
			backoff = g.retry.MaxBackoff
		}
	}
	return lastResp, lastErr
}

// isRetryable reports whether a GitHub API error is transient
func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		// network errors
		return true
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		// secondary rate limit
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
