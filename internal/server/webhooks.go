package server

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
	"sync"
	"time"

	"go.uber.org/zap"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

const (
	defaultWebhookInterval = 5 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100

	SignatureHeader = "X-Stagegate-Signature"
)

// WebhookDispatcher pushes audit entries to the registry's webhooks. Each hook
// keeps its own cursor, advanced only after a 2xx response.
type WebhookDispatcher struct {
	engine   engine.Engine
	campaign string
	webhooks []config.Webhook
	client   *http.Client
	log      *zap.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookDispatcher(e engine.Engine, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &WebhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		log:     logger.Named("webhooks"),
		cursors: make(map[int]int64),
	}
	if e.Config != nil {
		d.campaign = e.Config.Campaign.ID
		d.webhooks = e.Config.Webhooks
	}
	return d
}

// Run delivers after every committed change, retrying failed hooks on an
// interval, until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		changed := d.engine.Changes()
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.engine.Audit.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("fetch audit entries failed", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}
	last := entries[len(entries)-1].Seq
	filter := newEntryFilter(hook.Events)
	batch := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if filter.match(e.Kind) {
			batch = append(batch, e)
		}
	}
	if len(batch) > 0 {
		if err := d.post(ctx, hook, batch); err != nil {
			d.log.Warn("deliver failed", zap.String("url", hook.URL), zap.Int64("seq", batch[0].Seq), zap.Error(err))
			return
		}
	}
	d.setCursor(idx, last)
}

// cursorFor starts new hooks at the current end of the log.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Audit.LatestSeq(ctx)
	if err != nil {
		d.log.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookBatch struct {
	Campaign string              `json:"campaign"`
	Entries  []domain.AuditEntry `json:"entries"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.Webhook, entries []domain.AuditEntry) error {
	data, err := json.Marshal(webhookBatch{Campaign: d.campaign, Entries: entries})
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
	req.Header.Set("X-Stagegate-Campaign", d.campaign)
	req.Header.Set("X-Stagegate-Delivery", fmt.Sprintf("%d-%d", entries[0].Seq, entries[len(entries)-1].Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, data))
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

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type entryFilter struct {
	all bool
	set map[string]struct{}
}

func newEntryFilter(kinds []string) entryFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if key := strings.TrimSpace(k); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return entryFilter{all: true}
	}
	return entryFilter{set: set}
}

func (f entryFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
