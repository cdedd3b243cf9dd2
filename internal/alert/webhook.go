package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookTarget struct {
	URL     string
	Secret  string
	Events  []string
	Timeout time.Duration
}

// WebhookSink posts alerts as JSON. When a target has a secret, the body is
// signed with HMAC-SHA256 in X-Readiness-Signature.
type WebhookSink struct {
	targets []WebhookTarget
	filters []eventFilter
	client  *http.Client
}

func NewWebhookSink(targets []WebhookTarget, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	s := &WebhookSink{client: client}
	for _, t := range targets {
		if strings.TrimSpace(t.URL) == "" {
			continue
		}
		s.targets = append(s.targets, t)
		s.filters = append(s.filters, newEventFilter(t.Events))
	}
	return s
}

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	var failed []string
	for i, target := range s.targets {
		if !s.filters[i].match(a.EventType) {
			continue
		}
		if err := s.post(ctx, target, a); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", target.URL, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("webhook delivery failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) post(ctx context.Context, target WebhookTarget, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Readiness-Event", a.EventType)
	req.Header.Set("X-Readiness-Delivery", a.Key)
	if strings.TrimSpace(target.Secret) != "" {
		req.Header.Set("X-Readiness-Signature", "sha256="+Sign(target.Secret, data))
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
