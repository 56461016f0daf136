// Package hooks adapts the Engine's event bus (spec §4.C15's
// "downloadCompleted"/"downloadFailed"/... stream) to external
// side-effects: shell commands and webhook POSTs. This is one of the
// engine's supplemental, non-spec features (SPEC_FULL.md "Lifecycle hooks"),
// generalizing the teacher's --on-complete/--on-error/--webhook CLI
// flags into an in-process subscription the embedding application
// wires up.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/kilimcininkoroglu/fetchengine/internal/events"
)

// Payload is the hook-facing view of one Engine event, derived from
// events.Event. Event kinds that don't fit a lifecycle hook (progress
// ticks aside) are simply never translated into one — see
// translate below.
type Payload struct {
	DeliveryID string    `json:"delivery_id"`
	Event      string    `json:"event"`
	DownloadID int64     `json:"download_id"`
	SourceURL  string    `json:"source_url,omitempty"`
	SavePath   string    `json:"save_path,omitempty"`
	TotalBytes int64     `json:"total_bytes,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	SpeedBps   float64   `json:"speed_bps,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DownloadInfo supplies the static fields (source URL, save path)
// translate needs but that events.Event itself doesn't carry —
// the Engine looks these up from the State Store once per event.
type DownloadInfo struct {
	SourceURL string
	SavePath  string
}

// translate converts one bus event into a hook Payload. info may be
// the zero value if the caller couldn't resolve it (hooks still fire,
// just without SourceURL/SavePath). Returns ok=false for event kinds
// that have no hook-facing translation (stateChanged, needsConfirmation).
func translate(ev events.Event, info DownloadInfo) (Payload, bool) {
	p := Payload{
		DeliveryID: uuid.NewString(),
		DownloadID: ev.DownloadID,
		SourceURL:  info.SourceURL,
		SavePath:   info.SavePath,
		Timestamp:  time.Now(),
	}

	switch ev.Type {
	case events.DownloadProgress:
		p.Event = "progress"
		if pl, ok := ev.Payload.(events.ProgressPayload); ok {
			p.TotalBytes = pl.TotalBytes
			p.Downloaded = pl.DownloadedBytes
			p.SpeedBps = pl.SpeedBps
		}
	case events.DownloadCompleted:
		p.Event = "complete"
		if pl, ok := ev.Payload.(events.CompletedPayload); ok && pl.FinalPath != "" {
			p.SavePath = pl.FinalPath
		}
	case events.DownloadFailed:
		p.Event = "error"
		if pl, ok := ev.Payload.(events.FailedPayload); ok {
			p.Error = pl.Error
		}
	case events.MergeStarted:
		p.Event = "merge_started"
	default:
		return Payload{}, false
	}
	return p, true
}

// Hook is the interface for all hook types.
type Hook interface {
	Execute(ctx context.Context, payload *Payload) error
	Name() string
}

// CommandHook executes a shell command on matching events.
type CommandHook struct {
	Command string
	Events  []string
	Timeout time.Duration
}

// NewCommandHook creates a new command hook. With no events given it
// defaults to firing on completion and error, matching the teacher's
// --on-complete/--on-error defaults.
func NewCommandHook(command string, eventNames ...string) *CommandHook {
	if len(eventNames) == 0 {
		eventNames = []string{"complete", "error"}
	}
	return &CommandHook{
		Command: command,
		Events:  eventNames,
		Timeout: 30 * time.Second,
	}
}

// Name returns the hook name.
func (h *CommandHook) Name() string {
	return fmt.Sprintf("command:%s", h.Command)
}

// Execute runs the command with environment variables set from payload.
func (h *CommandHook) Execute(ctx context.Context, payload *Payload) error {
	if !h.shouldHandle(payload.Event) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", h.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", h.Command)
	}
	cmd.Env = append(os.Environ(), h.buildEnv(payload)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hook command failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

func (h *CommandHook) shouldHandle(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (h *CommandHook) buildEnv(payload *Payload) []string {
	return []string{
		fmt.Sprintf("FETCHENGINE_DELIVERY_ID=%s", payload.DeliveryID),
		fmt.Sprintf("FETCHENGINE_EVENT=%s", payload.Event),
		fmt.Sprintf("FETCHENGINE_DOWNLOAD_ID=%d", payload.DownloadID),
		fmt.Sprintf("FETCHENGINE_SOURCE_URL=%s", payload.SourceURL),
		fmt.Sprintf("FETCHENGINE_SAVE_PATH=%s", payload.SavePath),
		fmt.Sprintf("FETCHENGINE_TOTAL_BYTES=%d", payload.TotalBytes),
		fmt.Sprintf("FETCHENGINE_DOWNLOADED=%d", payload.Downloaded),
		fmt.Sprintf("FETCHENGINE_SPEED_BPS=%.2f", payload.SpeedBps),
		fmt.Sprintf("FETCHENGINE_ERROR=%s", payload.Error),
	}
}

// WebhookHook sends HTTP POST requests on matching events.
type WebhookHook struct {
	URL     string
	Events  []string
	Headers map[string]string
	Timeout time.Duration
	client  *http.Client
}

// NewWebhookHook creates a new webhook hook.
func NewWebhookHook(url string, eventNames ...string) *WebhookHook {
	if len(eventNames) == 0 {
		eventNames = []string{"complete", "error"}
	}
	return &WebhookHook{
		URL:     url,
		Events:  eventNames,
		Headers: make(map[string]string),
		Timeout: 10 * time.Second,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHeader adds a header to the webhook request.
func (h *WebhookHook) WithHeader(key, value string) *WebhookHook {
	h.Headers[key] = value
	return h
}

// Name returns the hook name.
func (h *WebhookHook) Name() string {
	return fmt.Sprintf("webhook:%s", h.URL)
}

// Execute POSTs payload as JSON, tagging the request with its
// DeliveryID so the receiver can dedupe retried deliveries.
func (h *WebhookHook) Execute(ctx context.Context, payload *Payload) error {
	if !h.shouldHandle(payload.Event) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fetchengine-webhook/1.0")
	req.Header.Set("X-Delivery-Id", payload.DeliveryID)
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookHook) shouldHandle(event string) bool {
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Manager manages multiple hooks and drives them from an events.Bus.
type Manager struct {
	hooks   []Hook
	resolve func(downloadID int64) DownloadInfo
}

// NewManager creates a new hook manager. resolve looks up the
// source URL/save path for a downloadID (typically backed by the
// State Store); it may be nil, in which case payloads carry those
// fields empty.
func NewManager(resolve func(downloadID int64) DownloadInfo) *Manager {
	return &Manager{resolve: resolve}
}

// Add adds a hook to the manager.
func (m *Manager) Add(hook Hook) {
	m.hooks = append(m.hooks, hook)
}

// AddCommand adds a command hook.
func (m *Manager) AddCommand(command string, eventNames ...string) {
	m.Add(NewCommandHook(command, eventNames...))
}

// AddWebhook adds a webhook hook.
func (m *Manager) AddWebhook(url string, eventNames ...string) {
	m.Add(NewWebhookHook(url, eventNames...))
}

// HandleEvent translates ev and runs every registered hook against it,
// synchronously. Intended to be called from a goroutine reading the
// Engine's events.Bus subscription channel, so a slow hook never
// blocks the engine itself.
func (m *Manager) HandleEvent(ctx context.Context, ev events.Event) error {
	var info DownloadInfo
	if m.resolve != nil {
		info = m.resolve(ev.DownloadID)
	}
	payload, ok := translate(ev, info)
	if !ok {
		return nil
	}
	return m.Execute(ctx, &payload)
}

// Execute runs all hooks for the given payload, aggregating every
// hook's error via go-multierror rather than stopping at the first
// failure — one mis-configured hook must not suppress the others.
func (m *Manager) Execute(ctx context.Context, payload *Payload) error {
	var result *multierror.Error
	for _, hook := range m.hooks {
		if err := hook.Execute(ctx, payload); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", hook.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// ExecuteAsync runs all hooks asynchronously (fire and forget).
func (m *Manager) ExecuteAsync(ctx context.Context, payload *Payload) {
	for _, hook := range m.hooks {
		go func(h Hook) {
			_ = h.Execute(ctx, payload)
		}(hook)
	}
}

// Count returns the number of registered hooks.
func (m *Manager) Count() int {
	return len(m.hooks)
}

// Clear removes all hooks.
func (m *Manager) Clear() {
	m.hooks = nil
}
