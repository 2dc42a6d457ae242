// Package audit emits a tamper-evident, hash-chained event for every
// published split.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"time"
)

// Event format version and type.
const (
	EventVersion   = "1"
	EventPublished = "split_published"
)

// Event records one published split output.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Split    SplitInfo    `json:"split"`
	Output   OutputInfo   `json:"output"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// SplitInfo identifies the split within its plan.
type SplitInfo struct {
	Format      string   `json:"format"`
	Fingerprint string   `json:"plan_fingerprint"`
	Index       int      `json:"index"`
	ID          string   `json:"id"`
	Files       []string `json:"files"`
	Bytes       int64    `json:"bytes"`
}

// OutputInfo describes the published object.
type OutputInfo struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software and run that produced the output.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
	RunID   string `json:"run_id"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey names the chain an event belongs to: one per format and output
// directory.
func (e *Event) ChainKey() string {
	return e.Split.Format + ":" + path.Dir(e.Output.Path)
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}

// ComputeEventHash hashes the JSON form of evt with event_hash cleared.
// Every field is a struct field or slice, so the encoding is stable.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}
