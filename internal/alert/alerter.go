package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/metrics"
)

type AlertType string

const (
	// AlertTypeStaleServed fires when a report is answered from an expired
	// cache entry because the refresh failed.
	AlertTypeStaleServed AlertType = "STALE_SERVED"
	// AlertTypePartialFailure fires when some items of a report failed on
	// every source.
	AlertTypePartialFailure   AlertType = "PARTIAL_FAILURE"
	AlertTypeSourcesExhausted AlertType = "SOURCES_EXHAUSTED"
	AlertTypeRecovery         AlertType = "RECOVERY"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity ranks the alert type. Exhausted sources mean a caller got no
// answer at all; stale or partial reports still answered.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeRecovery:
		return SeverityInfo
	case AlertTypeSourcesExhausted:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Alert is one notification about an aggregation subject, usually an asset
// class name.
type Alert struct {
	Type    AlertType
	Subject string
	Title   string
	Message string
	Fields  map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// namedAlerter labels a channel in metrics and logs.
type namedAlerter interface {
	Name() string
}

// MultiAlerter fans out alerts to every channel and suppresses repeats of
// the same type and subject within the cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	nowFn    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		nowFn:    time.Now,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(t AlertType, subject string) string {
	return fmt.Sprintf("%s:%s", t, subject)
}

// Send dispatches alert to all channels. A RECOVERY alert clears the
// cooldowns of its subject so the next failure is reported immediately.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert.Type, alert.Subject)
	now := m.nowFn()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	if alert.Type == AlertTypeRecovery {
		for _, t := range []AlertType{AlertTypeStaleServed, AlertTypePartialFailure, AlertTypeSourcesExhausted} {
			delete(m.lastSent, cooldownKey(t, alert.Subject))
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"subject", alert.Subject,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func alerterName(a Alerter) string {
	if n, ok := a.(namedAlerter); ok {
		return n.Name()
	}
	return "unknown"
}

type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Name() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeSourcesExhausted:
		emoji = ":rotating_light:"
	case AlertTypeStaleServed:
		emoji = ":hourglass:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s: %s\n%s", emoji, alert.Type, alert.Subject, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(alert.Fields) {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": b.String()})
}

// WebhookAlerter posts alerts as JSON to a generic endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"type":     string(alert.Type),
		"severity": string(alert.Type.Severity()),
		"subject":  alert.Subject,
		"title":    alert.Title,
		"message":  alert.Message,
		"fields":   alert.Fields,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, "webhook", payload)
}

func postJSON(ctx context.Context, client *http.Client, url, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// LogAlerter writes alerts to the structured log. Used when no external
// channel is configured.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Name() string { return "log" }

// Send logs at a level matching the alert severity, with fields in key
// order.
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	args := []any{"type", alert.Type, "subject", alert.Subject, "title", alert.Title, "message", alert.Message}
	for _, k := range sortedKeys(alert.Fields) {
		args = append(args, k, alert.Fields[k])
	}

	level := slog.LevelWarn
	switch alert.Type.Severity() {
	case SeverityInfo:
		level = slog.LevelInfo
	case SeverityCritical:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "alert", args...)
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
