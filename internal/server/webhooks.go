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
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"workorder/internal/config"
	"workorder/internal/domain"
	"workorder/internal/ledger"
)

const defaultWebhookTimeout = 5 * time.Second

type webhookDispatcher struct {
	ledger  *ledger.Ledger
	project string
	hook    config.WebhookConfig
	client  *http.Client
	logger  *slog.Logger
}

// StartWebhooks follows the ledger and posts every new entry to each enabled
// webhook until ctx is cancelled. The returned function waits for the
// dispatchers to stop.
func StartWebhooks(ctx context.Context, cfg *config.Config, l *ledger.Ledger, logger *slog.Logger) (wait func()) {
	var wg sync.WaitGroup
	if cfg == nil || l == nil {
		return wg.Wait
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d := &webhookDispatcher{
			ledger:  l,
			project: cfg.Project.ID,
			hook:    hook,
			client:  &http.Client{Timeout: timeout},
			logger:  logger.With("webhook", hook.URL),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.run(ctx)
		}()
	}
	return wg.Wait
}

func (d *webhookDispatcher) run(ctx context.Context) {
	filter := newEventFilter(d.hook.Events)
	err := d.ledger.Follow(ctx, ledger.Query{Project: d.project}, func(e domain.LedgerEntry) error {
		if !filter.match(e.Event) {
			return nil
		}
		if err := d.post(ctx, e); err != nil {
			d.logger.Warn("webhook delivery failed", "workorder", e.WorkorderID, "event", e.Event, "error", err)
		}
		return nil
	})
	if err != nil {
		d.logger.Error("webhook dispatcher stopped", "error", err)
	}
}

// sign returns the hex HMAC-SHA256 of body keyed by secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) post(ctx context.Context, e domain.LedgerEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workorder-Event", e.Event)
	req.Header.Set("X-Workorder-Id", e.WorkorderID)
	req.Header.Set("X-Workorder-Project", d.project)
	if secret := strings.TrimSpace(d.hook.Secret); secret != "" {
		req.Header.Set("X-Workorder-Signature", "sha256="+sign(secret, data))
	}
	res, err := d.client.Do(req)
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
	all      bool
	patterns []string
}

// newEventFilter matches every event when events is empty; entries may be
// globs such as "slot.*".
func newEventFilter(events []string) eventFilter {
	var patterns []string
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			patterns = append(patterns, key)
		}
	}
	if len(patterns) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{patterns: patterns}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	for _, p := range f.patterns {
		if (ledger.Query{Event: p}).Match(domain.LedgerEntry{Event: evt}) {
			return true
		}
	}
	return false
}
