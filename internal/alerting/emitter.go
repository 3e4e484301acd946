package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Emitter delivers flushed batches to an operator-facing channel.
type Emitter interface {
	Emit(ctx context.Context, batch Batch) error
}

// MultiEmitter fans a batch out to several emitters; the first error wins but
// every emitter still runs.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit implements Emitter.
func (m *MultiEmitter) Emit(ctx context.Context, batch Batch) error {
	var first error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogEmitter writes batches to the structured log.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter constructs a log-backed emitter.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log.With().Str("component", "alert-emitter").Logger()}
}

// Emit implements Emitter.
func (e *LogEmitter) Emit(_ context.Context, batch Batch) error {
	var evt *zerolog.Event
	switch batch.Severity {
	case SeverityCritical, SeverityError:
		evt = e.log.Error()
	case SeverityWarning:
		evt = e.log.Warn()
	default:
		evt = e.log.Info()
	}
	titles := make([]string, 0, len(batch.Items))
	for _, item := range batch.Items {
		titles = append(titles, item.Title)
	}
	evt.Str("category", string(batch.Category)).
		Str("severity", string(batch.Severity)).
		Int("count", batch.Count).
		Strs("titles", titles).
		Interface("perSource", batch.PerSource).
		Msg("alert batch")
	return nil
}

// WebhookEmitter posts batches to a chat webhook. Failures are returned but
// must never break the caller; the aggregator only logs them.
type WebhookEmitter struct {
	url      string
	username string
	client   *http.Client
}

// NewWebhookEmitter constructs a webhook emitter; an empty URL yields a
// disabled emitter that drops batches.
func NewWebhookEmitter(url, username string) *WebhookEmitter {
	return &WebhookEmitter{
		url:      strings.TrimSpace(url),
		username: username,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Emit implements Emitter.
func (e *WebhookEmitter) Emit(ctx context.Context, batch Batch) error {
	if e.url == "" {
		return nil
	}

	fields := make([]map[string]any, 0, len(batch.PerSource))
	for source, n := range batch.PerSource {
		fields = append(fields, map[string]any{
			"title": source,
			"value": fmt.Sprintf("%d", n),
			"short": true,
		})
	}
	payload := map[string]any{
		"username": e.username,
		"text":     fmt.Sprintf("%s [%s] %d alert(s)", batch.Category, batch.Severity, batch.Count),
		"attachments": []map[string]any{{
			"color":     colorFor(batch.Severity),
			"title":     firstTitle(batch),
			"fields":    fields,
			"timestamp": batch.FlushedAt.Unix(),
			"footer":    "tickvault",
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func colorFor(sev Severity) string {
	switch sev {
	case SeverityCritical, SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func firstTitle(batch Batch) string {
	if len(batch.Items) == 0 {
		return string(batch.Category)
	}
	return batch.Items[0].Title
}
