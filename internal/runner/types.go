package runner

import (
	"time"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const producerName = "bronze-ingest"

// Decode error policies.
const (
	OnErrorFail = "fail"
	OnErrorSkip = "skip"
)

// Options control one run.
type Options struct {
	InputRoot  string
	OutputRoot string
	Bounds     split.Bounds

	OutputFormat     string
	OutputProperties map[string]string
	// Overwrite republishes splits whose manifest already exists.
	Overwrite bool

	Workers        int
	RetryAttempts  int // total attempts per split, including the first
	RetryBackoffMs int
	OnError        string

	// Macros supply values for a configuration that references them.
	Macros map[string]string
}

// Plan is the deterministic unit list of a run.
type Plan struct {
	Files       []split.File
	Splits      []split.Split
	Fingerprint string
}

// SplitTask is sent to a worker.
type SplitTask struct {
	Split    split.Split
	Attempt  int // retry count
	MaxRetry int // attempts before failure
}

// Split outcomes.
const (
	OutcomePublished = "published"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// SplitResult is the outcome of one split.
type SplitResult struct {
	Index          int
	ID             string
	Outcome        string
	Output         string
	Checksum       string
	Rows           int64
	SkippedRecords int64
	BytesRead      int64
	ByteSize       int64
	Attempts       int
	Duration       time.Duration
	Err            error
}

// Result summarizes a run.
type Result struct {
	RunID        string
	Fingerprint  string
	Splits       []SplitResult
	Processed    int
	Skipped      int
	Failed       int
	Records      int64
	DecodeErrors int64
}
