package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronFile is the job list name under the OSA home.
const CronFile = "CRONS.json"

// CronTick is the scheduler's resolution.
const CronTick = time.Minute

// JobType selects the handler for a cron or trigger job.
type JobType string

const (
	JobMessage JobType = "message"
	JobShell   JobType = "shell"
	JobWebhook JobType = "webhook"
)

// CronJob is one entry in CRONS.json.
type CronJob struct {
	Name     string  `json:"name"`
	Schedule string  `json:"schedule"`
	Type     JobType `json:"type"`
	// Message is dispatched through the agent (type=message).
	Message string `json:"message,omitempty"`
	// Command runs under the shell guard (type=shell).
	Command string `json:"command,omitempty"`
	// URL receives a POST of Payload (type=webhook).
	URL      string         `json:"url,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

type cronEntry struct {
	job      CronJob
	schedule cron.Schedule
	next     time.Time
}

// Cron fires jobs from a JSON file of 5-field cron expressions on a
// one-minute tick.
type Cron struct {
	path    string
	runner  AgentRunner
	client  *http.Client
	breaker *Breaker
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries []*cronEntry
}

// NewCron creates the cron runner and loads the job file if present.
func NewCron(path string, runner AgentRunner, breaker *Breaker, logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cron{
		path:    path,
		runner:  runner,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		logger:  logger.With("component", "cron"),
		now:     time.Now,
	}
	if err := c.Reload(); err != nil {
		c.logger.Warn("cron file load failed", "error", err)
	}
	return c
}

// Reload re-reads the job file. Entries with bad expressions are
// skipped with a log line; the rest load.
func (c *Cron) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.entries = nil
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read cron file: %w", err)
	}

	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		// Allow the wrapped form {"jobs": [...]} as well.
		var wrapper struct {
			Jobs []CronJob `json:"jobs"`
		}
		if err2 := json.Unmarshal(data, &wrapper); err2 != nil {
			return fmt.Errorf("parse cron file: %w", err)
		}
		jobs = wrapper.Jobs
	}

	now := c.now()
	var entries []*cronEntry
	for _, job := range jobs {
		if job.Name == "" || job.Disabled {
			continue
		}
		schedule, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			c.logger.Error("invalid cron expression, skipping job",
				"job", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		entries = append(entries, &cronEntry{job: job, schedule: schedule, next: schedule.Next(now)})
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.logger.Info("cron jobs loaded", "count", len(entries))
	return nil
}

// Jobs returns the loaded job definitions.
func (c *Cron) Jobs() []CronJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CronJob, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.job)
	}
	return out
}

// Tick fires every entry that has come due and advances its next run.
func (c *Cron) Tick(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	var due []*cronEntry
	for _, e := range c.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		c.fire(ctx, e.job)
	}
	return len(due)
}

func (c *Cron) fire(ctx context.Context, job CronJob) {
	jobName := "cron:" + job.Name
	if c.breaker != nil && !c.breaker.Allow(jobName) {
		c.logger.Warn("cron job disabled by circuit breaker", "job", job.Name)
		return
	}
	err := c.execute(ctx, job)
	if c.breaker != nil {
		c.breaker.Record(jobName, err)
	}
	if err != nil {
		c.logger.Error("cron job failed", "job", job.Name, "type", job.Type, "error", err)
		return
	}
	c.logger.Info("cron job fired", "job", job.Name, "type", job.Type)
}

func (c *Cron) execute(ctx context.Context, job CronJob) error {
	switch job.Type {
	case JobMessage:
		_, err := c.runner.Run(ctx, job.Message)
		return err
	case JobShell:
		_, err := RunShell(ctx, job.Command)
		return err
	case JobWebhook:
		return postWebhook(ctx, c.client, job.URL, job.Payload)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// postWebhook POSTs the payload as JSON and requires a 2xx reply.
func postWebhook(ctx context.Context, client *http.Client, url string, payload map[string]any) error {
	if url == "" {
		return fmt.Errorf("webhook url is empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
