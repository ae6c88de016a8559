// Package notify delivers run completion notifications to a webhook as
// color-coded embeds. Delivery is strictly best-effort: every failure is
// logged and swallowed so the pipeline never blocks on a chat outage.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

const (
	webhookTimeout = 10 * time.Second

	// maxErrorMessageLen caps the error_message field in FAILED embeds.
	maxErrorMessageLen = 1000

	colorGreen  = 0x00FF00
	colorRed    = 0xFF0000
	colorYellow = 0xFFFF00
)

type (
	// Config holds the webhook destination. An empty URL disables delivery.
	Config struct {
		WebhookURL string
		Thread     string
	}

	// Webhook posts run embeds to a configured URL. A nil *Webhook or an
	// unconfigured URL makes NotifyRun a no-op.
	Webhook struct {
		url    string
		thread string
		client *http.Client
		logger *slog.Logger
	}

	embedField struct {
		Name   string `json:"name"`
		Value  string `json:"value"`
		Inline bool   `json:"inline,omitempty"`
	}

	embed struct {
		Title     string       `json:"title"`
		Color     int          `json:"color"`
		Fields    []embedField `json:"fields"`
		Timestamp string       `json:"timestamp"`
	}

	message struct {
		Embeds []embed `json:"embeds"`
	}
)

// LoadConfig reads the webhook settings from the environment.
func LoadConfig() Config {
	return Config{
		WebhookURL: config.GetEnvStr("TICKERFLOW_WEBHOOK_URL", ""),
		Thread:     config.GetEnvStr("TICKERFLOW_WEBHOOK_THREAD", ""),
	}
}

// NewWebhook creates a notifier. The logger is required; cfg.WebhookURL may
// be empty, in which case every notification is silently dropped.
func NewWebhook(cfg Config, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		url:    cfg.WebhookURL,
		thread: cfg.Thread,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger.With("component", "notify"),
	}
}

// NotifyRun posts one embed describing the run's current state. Errors are
// logged, never returned.
func (w *Webhook) NotifyRun(ctx context.Context, run *ingestion.IngestionRun) {
	if w == nil || w.url == "" || run == nil {
		return
	}

	body, err := json.Marshal(message{Embeds: []embed{buildEmbed(run)}})
	if err != nil {
		w.logger.Error("embed serialization failed", slog.String("error", err.Error()))

		return
	}

	target := w.url
	if w.thread != "" {
		separator := "?"
		if u, err := url.Parse(w.url); err == nil && u.RawQuery != "" {
			separator = "&"
		}

		target += separator + "thread_id=" + url.QueryEscape(w.thread)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("webhook request build failed", slog.String("error", err.Error()))

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected notification",
			slog.String("run_id", run.ID.String()),
			slog.Int("status", resp.StatusCode),
		)
	}
}

// buildEmbed formats the run as a compact embed. DONE is green, FAILED is red
// with the full failure context, anything else is yellow.
func buildEmbed(run *ingestion.IngestionRun) embed {
	ticker := ""
	if run.Stock != nil {
		ticker = run.Stock.Ticker
	}

	e := embed{
		Title:     fmt.Sprintf("Ingestion %s: %s", run.State, ticker),
		Color:     colorYellow,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Fields: []embedField{
			{Name: "Run ID", Value: run.ID.String(), Inline: true},
			{Name: "Ticker", Value: ticker, Inline: true},
			{Name: "State", Value: run.State.String(), Inline: true},
		},
	}

	switch run.State {
	case ingestion.StateDone:
		e.Color = colorGreen
	case ingestion.StateFailed:
		e.Color = colorRed
		e.Fields = append(e.Fields, failureFields(run)...)
	}

	return e
}

func failureFields(run *ingestion.IngestionRun) []embedField {
	var fields []embedField

	if run.ErrorCode != nil {
		fields = append(fields, embedField{Name: "Error Code", Value: *run.ErrorCode, Inline: true})
	}

	if run.ErrorMessage != nil {
		msg := *run.ErrorMessage
		if len(msg) > maxErrorMessageLen {
			msg = msg[:maxErrorMessageLen]
		}

		fields = append(fields, embedField{Name: "Error Message", Value: msg})
	}

	phases := []struct {
		name string
		at   *time.Time
	}{
		{"Queued For Fetch", run.QueuedForFetchAt},
		{"Fetching Started", run.FetchingStartedAt},
		{"Fetching Finished", run.FetchingFinishedAt},
		{"Queued For Transform", run.QueuedForTransformAt},
		{"Transform Started", run.TransformStartedAt},
		{"Transform Finished", run.TransformFinishedAt},
		{"Done", run.DoneAt},
		{"Failed", run.FailedAt},
	}

	for _, phase := range phases {
		if phase.at != nil {
			fields = append(fields, embedField{
				Name:   phase.name,
				Value:  phase.at.UTC().Format(time.RFC3339),
				Inline: true,
			})
		}
	}

	if run.RawDataURI != nil {
		fields = append(fields, embedField{Name: "Raw Data", Value: *run.RawDataURI})
	}

	if run.ProcessedDataURI != nil {
		fields = append(fields, embedField{Name: "Processed Data", Value: *run.ProcessedDataURI})
	}

	if run.RequestedBy != nil {
		fields = append(fields, embedField{Name: "Requested By", Value: *run.RequestedBy, Inline: true})
	}

	if run.RequestID != nil {
		fields = append(fields, embedField{Name: "Request ID", Value: *run.RequestID, Inline: true})
	}

	return fields
}
