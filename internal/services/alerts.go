package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
	"golang.org/x/time/rate"
)

// Alert is one operator notification.
type Alert struct {
	Title         string            `json:"title"`
	Severity      string            `json:"severity"`
	Kind          SignalKind        `json:"kind"`
	Caller        string            `json:"caller,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Message       string            `json:"message"`
	Fields        map[string]string `json:"fields,omitempty"`
	At            time.Time         `json:"at"`
}

// AlertAdapter delivers an alert to one kind of webhook.
type AlertAdapter interface {
	Send(ctx context.Context, webhook string, alert *Alert) error
}

func getAlertAdapter(kind string) AlertAdapter {
	switch kind {
	case "slack":
		return &slackAlertAdapter{}
	case "discord":
		return &discordAlertAdapter{}
	case "teams":
		return &teamsAlertAdapter{}
	default:
		return &genericAlertAdapter{}
	}
}

var alertHTTPClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, client *http.Client, webhookURL string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func formatAlert(a *Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* [%s]\n", a.Title, a.Severity)
	if a.Caller != "" {
		fmt.Fprintf(&b, "*Caller*: %s\n", a.Caller)
	}
	if a.CorrelationID != "" {
		fmt.Fprintf(&b, "*Run*: %s\n", a.CorrelationID)
	}
	for _, k := range sortedKeys(a.Fields) {
		fmt.Fprintf(&b, "*%s*: %s\n", k, a.Fields[k])
	}
	b.WriteString(a.Message)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type slackAlertAdapter struct{}

func (slackAlertAdapter) Send(ctx context.Context, webhook string, a *Alert) error {
	text := formatAlert(a)
	payload := map[string]interface{}{
		"text": a.Title,
		"blocks": []map[string]interface{}{
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	}
	return postJSON(ctx, alertHTTPClient, webhook, payload)
}

type discordAlertAdapter struct{}

func (discordAlertAdapter) Send(ctx context.Context, webhook string, a *Alert) error {
	return postJSON(ctx, alertHTTPClient, webhook, map[string]interface{}{"content": formatAlert(a)})
}

type teamsAlertAdapter struct{}

func (teamsAlertAdapter) Send(ctx context.Context, webhook string, a *Alert) error {
	card := map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"type":    "AdaptiveCard",
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"version": "1.5",
					"body": []map[string]interface{}{
						{"type": "TextBlock", "text": formatAlert(a), "wrap": true},
					},
				},
			},
		},
	}
	return postJSON(ctx, alertHTTPClient, webhook, card)
}

// genericAlertAdapter posts the alert itself as JSON.
type genericAlertAdapter struct{}

func (genericAlertAdapter) Send(ctx context.Context, webhook string, a *Alert) error {
	return postJSON(ctx, alertHTTPClient, webhook, a)
}

// AlertService turns failure and spending signals into operator alerts. With
// no webhook configured alerts are only logged.
type AlertService struct {
	enabled bool
	webhook string
	adapter AlertAdapter

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func NewAlertService(cfg *config.AlertsConfig) *AlertService {
	return &AlertService{
		enabled:  cfg.Enabled && cfg.WebhookURL != "",
		webhook:  cfg.WebhookURL,
		adapter:  getAlertAdapter(cfg.Type),
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(time.Minute),
		burst:    3,
	}
}

// Register subscribes the service to the signals worth alerting on.
func (s *AlertService) Register(hub *SignalHub) {
	hub.Handle(SignalStageFailed, s.HandleSignal)
	hub.Handle(SignalRequestFailed, s.HandleSignal)
	hub.Handle(SignalSpendingLimitWarning, s.HandleSignal)
}

// alertFor maps a signal to an alert, nil when the signal is not alert-worthy.
// Request failures the caller can fix themselves are not alerted.
func alertFor(sig PipelineSignal) *Alert {
	a := &Alert{
		Kind:          sig.Kind,
		Caller:        sig.Caller,
		CorrelationID: sig.CorrelationID,
		Message:       sig.Message,
		Fields:        map[string]string{},
		At:            sig.EmittedAt,
	}
	switch sig.Kind {
	case SignalStageFailed:
		a.Title = "Pipeline stage failed"
		a.Severity = "error"
		a.Fields["Stage"] = string(sig.Operation)
		if sig.ErrorCategory != "" {
			a.Fields["Category"] = string(sig.ErrorCategory)
		}
	case SignalRequestFailed:
		if sig.ErrorCategory == "" {
			return nil
		}
		switch opserr.ClassOf(sig.ErrorCategory) {
		case opserr.ClassTransientExhausted, opserr.ClassConfiguration:
		default:
			return nil
		}
		a.Title = "Provider request failed"
		a.Severity = "warning"
		if sig.ErrorCategory == opserr.KindInvalidCredentials {
			a.Severity = "critical"
		}
		a.Fields["Operation"] = string(sig.Operation)
		a.Fields["Category"] = string(sig.ErrorCategory)
		a.Fields["Attempts"] = fmt.Sprintf("%d", sig.Attempt)
	case SignalSpendingLimitWarning:
		a.Title = fmt.Sprintf("Spending at %d%% of hourly limit", sig.Percentage)
		a.Severity = "warning"
		if sig.CurrentSpend != nil && sig.Limit != nil {
			a.Message = fmt.Sprintf("$%s of $%s spent in the last hour", sig.CurrentSpend.StringFixed(2), sig.Limit.StringFixed(2))
		}
	default:
		return nil
	}
	return a
}

func (s *AlertService) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.every, s.burst)
		s.limiters[key] = l
	}
	return l.Allow()
}

// HandleSignal logs the alert and posts it to the webhook. Repeats of the same
// alert for the same caller are throttled.
func (s *AlertService) HandleSignal(ctx context.Context, sig PipelineSignal) {
	a := alertFor(sig)
	if a == nil {
		return
	}
	if !s.allow(string(sig.Kind) + ":" + string(sig.ErrorCategory) + ":" + sig.Caller) {
		logger.Debugf("[Alerts] Throttled %s for %s", sig.Kind, sig.Caller)
		return
	}

	logger.Warn().Str("kind", string(a.Kind)).Str("caller", a.Caller).Str("correlation_id", a.CorrelationID).
		Str("severity", a.Severity).Msg("[Alerts] " + a.Title)
	if !s.enabled {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.adapter.Send(sendCtx, s.webhook, a); err != nil {
		logger.Errorf("[Alerts] Failed to deliver %s: %v", a.Kind, err)
	}
}
