package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/logging"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// Config configures audit emission.
type Config struct {
	Enabled bool
	// Dir keeps the chain heads and a JSON copy of every event.
	Dir string
	// Endpoint, when set, receives every event as an HTTP POST.
	Endpoint string
	// Retries is the number of POST attempts. Defaults to 3.
	Retries int
	// RetryDelay is the first backoff between POST attempts. Defaults to 1s.
	RetryDelay time.Duration
}

// Emitter chains and publishes audit events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter returns a no-op emitter when disabled, otherwise one that writes
// every event under cfg.Dir and posts it to cfg.Endpoint if set.
func NewEmitter(cfg Config) (Emitter, error) {
	log := logging.Component("audit")
	if !cfg.Enabled {
		log.Debug("audit disabled, using no-op emitter")
		return noopEmitter{}, nil
	}
	if cfg.Dir == "" {
		cfg.Dir = "./audit"
	}
	if cfg.Retries < 1 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	tracker, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	e := &chainEmitter{
		cfg:     cfg,
		tracker: tracker,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
	if cfg.Endpoint != "" {
		log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint, "dir", cfg.Dir)
	} else {
		log.Info("using file-only audit emitter", "dir", cfg.Dir)
	}
	return e, nil
}

type chainEmitter struct {
	// mu serializes emission so chain heads advance one event at a time.
	mu      sync.Mutex
	cfg     Config
	tracker *ChainTracker
	client  *http.Client
	log     *slog.Logger
}

// Emit links evt to its chain, saves it, posts it and advances the chain.
// The chain only advances once every configured destination accepted it.
func (e *chainEmitter) Emit(ctx context.Context, evt *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.ChainKey()
	prev := e.tracker.Head(chainKey)

	evt.Version = EventVersion
	evt.EventType = EventPublished
	evt.EventID = "audit_" + uuid.New().String()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prev)

	log := e.log.With("chain", chainKey, "split_index", evt.Split.Index, "event_hash", evt.Chain.EventHash)
	if prev == "" {
		log.Debug("first event in chain")
	}

	if err := e.save(evt); err != nil {
		return err
	}
	if e.cfg.Endpoint != "" {
		if err := e.postWithRetry(ctx, evt); err != nil {
			return fmt.Errorf("audit emit failed: %w", err)
		}
	}
	if err := e.tracker.Advance(chainKey, evt.Chain.EventHash); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}
	log.Info("emitted audit event")
	return nil
}

// save writes evt to <dir>/<format>_<index>_<split id>_<event id>.json.
func (e *chainEmitter) save(evt *Event) error {
	name := fmt.Sprintf("%s_%05d_%s_%s.json", evt.Split.Format, evt.Split.Index, evt.Split.ID, evt.EventID)
	if err := storage.WriteJSONFile(filepath.Join(e.cfg.Dir, name), evt); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (e *chainEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.cfg.RetryDelay
	for attempt := 1; attempt <= e.cfg.Retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < e.cfg.Retries {
			e.log.Warn("audit post failed, retrying", "attempt", attempt, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", e.cfg.Retries, lastErr)
}

func (e *chainEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

func (e *chainEmitter) Close() error { return nil }

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error { return nil }
