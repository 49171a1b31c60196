package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"conductor/pkg/utils"
)

// FileSink appends notifications as NDJSON to the project's conductor state
// directory, one line per notification.
type FileSink struct {
	mu sync.Mutex
}

// FileSinkName is the notification log, relative to the project state dir.
const FileSinkName = "notifications.jsonl"

// NewFileSink returns a per-project NDJSON file sink.
func NewFileSink() *FileSink {
	return &FileSink{}
}

// Deliver appends one JSON line. Notifications without a project path have
// no home and are dropped silently.
func (f *FileSink) Deliver(_ context.Context, n Notification) error {
	if n.ProjectPath == "" {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := utils.ProjectStateDir(n.ProjectPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	fh, err := os.OpenFile(filepath.Join(dir, FileSinkName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open notification log: %w", err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

// CommandSink invokes an external notifier command with the title and
// message as arguments, plus CONDUCTOR_* environment variables carrying the
// full payload.
type CommandSink struct {
	command string
}

// NewCommandSink returns a sink running the given command; empty selects the
// platform default notifier.
func NewCommandSink(command string) *CommandSink {
	if command == "" {
		command = defaultNotifyCommand()
	}
	return &CommandSink{command: command}
}

// Deliver runs the notifier command.
func (c *CommandSink) Deliver(ctx context.Context, n Notification) error {
	if c.command == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, c.command, n.Title, n.Message)
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_NOTIFY_TYPE="+string(n.Type),
		"CONDUCTOR_NOTIFY_FEATURE_ID="+n.FeatureID,
		"CONDUCTOR_NOTIFY_PROJECT="+n.ProjectPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notifier command failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

func defaultNotifyCommand() string {
	if runtime.GOOS == "darwin" {
		return "" // osascript needs a script argument, not title/message
	}
	if _, err := exec.LookPath("notify-send"); err == nil {
		return "notify-send"
	}
	return ""
}

// WebhookSink POSTs each notification as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink returns a webhook sink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver sends the notification payload.
func (w *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SinksFromConfig assembles the sink list for a project's notification
// settings: the NDJSON file always, the command and webhook sinks when
// configured.
func SinksFromConfig(enabled bool, command, webhook string) []Sink {
	if !enabled {
		return nil
	}
	sinks := []Sink{NewFileSink()}
	if cs := NewCommandSink(command); cs.command != "" {
		sinks = append(sinks, cs)
	}
	if webhook != "" {
		sinks = append(sinks, NewWebhookSink(webhook))
	}
	return sinks
}
