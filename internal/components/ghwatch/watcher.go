// Package ghwatch polls a single GitHub repository for newly updated
// issues and pull requests and publishes one bus event per item. It is
// grounded on the rate-limit-aware request pattern a GitHub forge
// client typically follows, trimmed to the read-only polling case.
package ghwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/config"
)

// EventTag is the bus tag published for every updated issue or PR.
const EventTag bus.EventType = "github.updated"

// rateLimitWarningThreshold triggers a log warning when the remaining
// rate limit drops below this value.
const rateLimitWarningThreshold = 100

// Watcher is a Publisher that polls one repository's issues and pull
// requests for updates since its last poll.
type Watcher struct {
	*component.Base

	cfg    config.GitHubConfig
	client *github.Client
	owner  string
	repo   string

	lastPoll time.Time
}

// New builds a Watcher for cfg.Repo ("owner/name"). Returns an error if
// the repo is malformed or the enterprise base URL can't be applied.
func New(id string, cfg config.GitHubConfig, logger *slog.Logger) (*Watcher, error) {
	owner, name, err := splitRepo(cfg.Repo)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(http.DefaultClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" && cfg.BaseURL != "https://api.github.com" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("ghwatch: configure enterprise url: %w", err)
		}
	}

	return &Watcher{
		Base:   component.NewBase(id, "ghwatch.Watcher", logger),
		cfg:    cfg,
		client: client,
		owner:  owner,
		repo:   name,
	}, nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("ghwatch: invalid repo %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// Run polls on cfg.PollInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	since := w.lastPoll
	now := time.Now()

	opts := &github.IssueListByRepoOptions{
		Sort:      "updated",
		Direction: "desc",
		State:     "all",
		ListOptions: github.ListOptions{
			PerPage: 50,
		},
	}
	if !since.IsZero() {
		opts.Since = since
	}

	issues, resp, err := w.client.Issues.ListByRepo(ctx, w.owner, w.repo, opts)
	if err != nil {
		w.Logger.Warn("github poll failed", "repo", w.cfg.Repo, "error", err)
		return
	}
	w.checkRate(resp)
	w.lastPoll = now

	for _, issue := range issues {
		kind := "issue"
		if issue.IsPullRequest() {
			kind = "pull_request"
		}
		w.Publish(bus.NewEvent(EventTag, w.ID, map[string]any{
			"repo":   w.cfg.Repo,
			"kind":   kind,
			"number": issue.GetNumber(),
			"title":  issue.GetTitle(),
			"state":  issue.GetState(),
			"author": issue.GetUser().GetLogin(),
			"url":    issue.GetHTMLURL(),
		}))
	}
}

// checkRate logs a warning when the API rate limit is getting low.
func (w *Watcher) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	remaining := resp.Rate.Remaining
	if remaining > 0 && remaining < rateLimitWarningThreshold {
		w.Logger.Warn("github rate limit low",
			"remaining", remaining,
			"limit", resp.Rate.Limit,
			"reset", resp.Rate.Reset.Format(time.RFC3339),
		)
	}
}
