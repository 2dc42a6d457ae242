package audit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

const headsFile = "audit-chain-heads.json"

// chainHeads is the on-disk form of the tracker.
type chainHeads struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Heads     map[string]string `json:"heads"`
}

// ChainTracker remembers the newest event hash of every chain and writes the
// whole set through to dir on each advance.
type ChainTracker struct {
	mu    sync.Mutex
	path  string
	state chainHeads
}

// NewChainTracker opens the heads kept in dir. A missing file starts every
// chain fresh.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	ct := &ChainTracker{path: filepath.Join(dir, headsFile)}
	err := storage.ReadJSONFile(ct.path, &ct.state)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}
	if ct.state.Heads == nil {
		ct.state.Heads = make(map[string]string)
	}
	return ct, nil
}

// Head returns the newest event hash of a chain, or "" when the chain has no
// events yet.
func (ct *ChainTracker) Head(chainKey string) string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.state.Heads[chainKey]
}

// Advance makes eventHash the head of a chain. The head moves in memory even
// when the write fails; the next successful write persists it.
func (ct *ChainTracker) Advance(chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.state.Heads[chainKey] = eventHash
	ct.state.UpdatedAt = time.Now().UTC()
	return storage.WriteJSONFile(ct.path, ct.state)
}
