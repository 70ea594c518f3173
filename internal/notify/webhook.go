package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookDispatcher posts notifications to every enabled hook whose event
// filter matches the notification kind.
type WebhookDispatcher struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

func NewWebhookDispatcher(hooks []config.WebhookConfig) *WebhookDispatcher {
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	return &WebhookDispatcher{hooks: enabled, client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	var errs []string
	for _, hook := range d.hooks {
		if !newEventFilter(hook.Events).match(string(n.Kind)) {
			continue
		}
		if err := d.post(ctx, hook, n, data); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", hook.URL, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("webhook delivery failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, n Notification, data []byte) error {
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trackline-Event", string(n.Kind))
	req.Header.Set("X-Trackline-Delivery", uuid.NewString())
	req.Header.Set("X-Trackline-Project", n.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Trackline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
