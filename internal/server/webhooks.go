package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher forwards new sync events to the configured webhooks
// until ctx is cancelled. Delivery starts after the newest event present at
// startup.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logger *slog.Logger) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
	go d.run(ctx, defaultWebhookInterval)
}

func (d *webhookDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Error("fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Error("init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	UserID      string          `json:"userId"`
	DeviceID    string          `json:"deviceId"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId,omitempty"`
	OperationID string          `json:"operationId"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
	PayloadRaw  string          `json:"payloadRaw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.SyncEvent) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		UserID:      evt.UserID,
		DeviceID:    evt.DeviceID,
		EntityType:  evt.EntityType,
		EntityID:    evt.EntityID,
		OperationID: evt.OperationID,
		TS:          evt.TS,
		Payload:     payload,
		PayloadRaw:  raw,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldsync-Event", evt.Type)
	req.Header.Set("X-Fieldsync-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Fieldsync-Secret", hook.Secret)
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

// eventFilter matches exact types or prefixes ending in '*', e.g. "sync.order.*".
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	f := eventFilter{set: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
			continue
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, "*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
