package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records which splits of a plan have been published. Planning is
// deterministic, so a rerun over the same inputs and bounds produces the same
// fingerprint and split IDs.
type Checkpoint struct {
	Fingerprint string                    `json:"plan_fingerprint"`
	Format      string                    `json:"format"`
	Completed   map[string]CompletedSplit `json:"completed"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// CompletedSplit describes one published split.
type CompletedSplit struct {
	Index    int    `json:"index"`
	Output   string `json:"output"`
	Checksum string `json:"checksum,omitempty"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a plan fingerprint.
	Load(ctx context.Context, fingerprint string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files, one per plan.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(fingerprint string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", fingerprint))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, fingerprint string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := storage.ReadJSONFile(m.checkpointPath(fingerprint), &cp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	if cp.Fingerprint != fingerprint {
		return nil, fmt.Errorf("checkpoint file holds plan %s, want %s", cp.Fingerprint, fingerprint)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if err := storage.WriteJSONFile(m.checkpointPath(cp.Fingerprint), cp); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, fingerprint string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

// Tracker is the in-run view of a checkpoint. It is safe for concurrent use
// by split workers.
type Tracker struct {
	mgr Manager

	mu sync.Mutex
	cp *Checkpoint
}

// Open loads the checkpoint for fingerprint, starting an empty one when none
// exists.
func Open(ctx context.Context, mgr Manager, fingerprint, format string) (*Tracker, error) {
	cp, err := mgr.Load(ctx, fingerprint)
	if errors.Is(err, ErrNoCheckpoint) {
		cp = &Checkpoint{Fingerprint: fingerprint, Format: format}
	} else if err != nil {
		return nil, err
	}
	if cp.Completed == nil {
		cp.Completed = make(map[string]CompletedSplit)
	}
	return &Tracker{mgr: mgr, cp: cp}, nil
}

// Done reports whether splitID was completed by an earlier attempt.
func (t *Tracker) Done(splitID string) (CompletedSplit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cp.Completed[splitID]
	return c, ok
}

// MarkDone records splitID as published and persists the checkpoint.
func (t *Tracker) MarkDone(ctx context.Context, splitID string, c CompletedSplit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.Completed[splitID] = c
	t.cp.UpdatedAt = time.Now().UTC()
	return t.mgr.Save(ctx, t.cp)
}

// Completed returns the completed split IDs, sorted.
func (t *Tracker) Completed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.cp.Completed))
	for id := range t.cp.Completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
