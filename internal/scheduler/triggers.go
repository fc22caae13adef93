package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// TriggerFile is the trigger list name under the OSA home.
const TriggerFile = "TRIGGERS.json"

// ErrUnknownTrigger is returned for names not present in the file.
var ErrUnknownTrigger = errors.New("unknown trigger")

// Trigger is one event-driven entry fired via the HTTP surface. Text
// fields are templates: {{key}} interpolates the caller's variables.
type Trigger struct {
	Name     string         `json:"name"`
	Type     JobType        `json:"type"`
	Message  string         `json:"message,omitempty"`
	Command  string         `json:"command,omitempty"`
	URL      string         `json:"url,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// Triggers holds the loaded trigger table.
type Triggers struct {
	path    string
	runner  AgentRunner
	client  *http.Client
	breaker *Breaker
	logger  *slog.Logger

	mu       sync.Mutex
	triggers map[string]Trigger
}

// NewTriggers creates the trigger table and loads the file if present.
func NewTriggers(path string, runner AgentRunner, breaker *Breaker, logger *slog.Logger) *Triggers {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Triggers{
		path:     path,
		runner:   runner,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  breaker,
		logger:   logger.With("component", "triggers"),
		triggers: make(map[string]Trigger),
	}
	if err := t.Reload(); err != nil {
		t.logger.Warn("trigger file load failed", "error", err)
	}
	return t
}

// Reload re-reads the trigger file.
func (t *Triggers) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.mu.Lock()
			t.triggers = make(map[string]Trigger)
			t.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read trigger file: %w", err)
	}
	var list []Trigger
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapper struct {
			Triggers []Trigger `json:"triggers"`
		}
		if err2 := json.Unmarshal(data, &wrapper); err2 != nil {
			return fmt.Errorf("parse trigger file: %w", err)
		}
		list = wrapper.Triggers
	}

	table := make(map[string]Trigger, len(list))
	for _, trig := range list {
		if trig.Name == "" || trig.Disabled {
			continue
		}
		table[trig.Name] = trig
	}
	t.mu.Lock()
	t.triggers = table
	t.mu.Unlock()
	t.logger.Info("triggers loaded", "count", len(table))
	return nil
}

// Names lists the loaded triggers.
func (t *Triggers) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.triggers))
	for name := range t.triggers {
		out = append(out, name)
	}
	return out
}

// Fire runs a named trigger with template variables interpolated into
// its text fields. Returns the agent or shell output for message and
// shell triggers, empty for webhooks.
func (t *Triggers) Fire(ctx context.Context, name string, vars map[string]string) (string, error) {
	t.mu.Lock()
	trig, ok := t.triggers[name]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}

	jobName := "trigger:" + name
	if t.breaker != nil && !t.breaker.Allow(jobName) {
		return "", fmt.Errorf("trigger %s disabled by circuit breaker", name)
	}

	out, err := t.execute(ctx, trig, vars)
	if t.breaker != nil {
		t.breaker.Record(jobName, err)
	}
	return out, err
}

func (t *Triggers) execute(ctx context.Context, trig Trigger, vars map[string]string) (string, error) {
	switch trig.Type {
	case JobMessage:
		return t.runner.Run(ctx, interpolate(trig.Message, vars))
	case JobShell:
		// Variables are vetted after interpolation so callers cannot
		// smuggle blocked fragments through template values.
		return RunShell(ctx, interpolate(trig.Command, vars))
	case JobWebhook:
		payload := make(map[string]any, len(trig.Payload))
		for k, v := range trig.Payload {
			if s, ok := v.(string); ok {
				payload[k] = interpolate(s, vars)
			} else {
				payload[k] = v
			}
		}
		return "", postWebhook(ctx, t.client, interpolate(trig.URL, vars), payload)
	default:
		return "", fmt.Errorf("unknown trigger type %q", trig.Type)
	}
}

// interpolate substitutes {{key}} placeholders.
func interpolate(text string, vars map[string]string) string {
	for key, value := range vars {
		text = strings.ReplaceAll(text, "{{"+key+"}}", value)
	}
	return text
}
