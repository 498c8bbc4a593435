// Package notify posts deploy and lifecycle announcements to a chat
// webhook. Notifications are strictly best effort: a missing webhook
// config silently disables them and delivery failures are logged, never
// returned, so messaging outages cannot affect supervision.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// webhookFile is the on-disk shape of the webhook config.
type webhookFile struct {
	WebhookURL string `json:"webhook_url"`
}

// Notifier posts JSON messages of the form {"text": "..."} to a webhook.
// The zero URL means disabled; every method is then a no-op.
type Notifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newDisabled() *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		logger:  slog.With("component", "notify"),
	}
}

// NewFromFile loads the webhook URL from a JSON config file. A missing
// file yields a disabled notifier and no error; a malformed file is logged
// and also yields a disabled notifier.
func NewFromFile(path string) *Notifier {
	n := newDisabled()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			n.logger.Warn("cannot read webhook config, notifications disabled", "path", path, "error", err)
		}
		return n
	}

	var wf webhookFile
	if err := json.Unmarshal(data, &wf); err != nil {
		n.logger.Warn("malformed webhook config, notifications disabled", "path", path, "error", err)
		return n
	}
	n.url = wf.WebhookURL
	return n
}

// NewWithURL creates a notifier posting directly to url, for tests.
func NewWithURL(url string) *Notifier {
	n := newDisabled()
	n.url = url
	return n
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Post sends one message. All failure modes are swallowed after logging.
func (n *Notifier) Post(ctx context.Context, text string) {
	if n.url == "" {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Warn("notification dropped by rate limit", "text", text)
		return
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.logger.Warn("cannot encode notification", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("cannot build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected notification", "status", resp.StatusCode)
	}
}

// maxSubjects caps how many commit subjects one announcement lists.
const maxSubjects = 10

// UpdateDetected announces pending upstream commits by subject line,
// listing at most maxSubjects and summarizing the rest.
func (n *Notifier) UpdateDetected(ctx context.Context, repoDir string, subjects []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Update available in %s", repoDir)
	if len(subjects) > 0 {
		b.WriteString(":")
		shown := subjects
		if len(shown) > maxSubjects {
			shown = shown[:maxSubjects]
		}
		for _, s := range shown {
			b.WriteString("\n• ")
			b.WriteString(s)
		}
		if rest := len(subjects) - len(shown); rest > 0 {
			fmt.Fprintf(&b, "\n+%d more", rest)
		}
	}
	n.Post(ctx, b.String())
}

// DeployStarted announces that a deploy cycle began.
func (n *Notifier) DeployStarted(ctx context.Context) {
	n.Post(ctx, "Deploying update, bot will restart shortly.")
}

// DeploySucceeded announces that pull and install finished for every tree.
func (n *Notifier) DeploySucceeded(ctx context.Context) {
	n.Post(ctx, "Deploy succeeded, new code is in place.")
}

// DeployFailed announces a failed deploy; the running processes were left
// untouched.
func (n *Notifier) DeployFailed(ctx context.Context, reason string) {
	n.Post(ctx, fmt.Sprintf("Deploy failed (%s). Running processes were not touched.", reason))
}

// RestartStarting announces that the supervised processes are about to be
// restarted onto the new code.
func (n *Notifier) RestartStarting(ctx context.Context) {
	n.Post(ctx, "Restarting processes onto the new code.")
}

// RestartComplete announces that the bot is back after a deploy.
func (n *Notifier) RestartComplete(ctx context.Context) {
	n.Post(ctx, "Restart complete, bot is back online.")
}

// ProcessDead announces that a process exhausted its restart budget.
func (n *Notifier) ProcessDead(ctx context.Context, name string, restarts int) {
	n.Post(ctx, fmt.Sprintf("Process %q gave up after %d restarts and needs attention.", name, restarts))
}

// SupervisorStopping announces a clean supervisor shutdown.
func (n *Notifier) SupervisorStopping(ctx context.Context) {
	n.Post(ctx, "Supervisor shutting down, all processes stopped.")
}
