// Package metadata records ingest runs and their splits in a catalog.
package metadata

import "time"

// Split statuses.
const (
	StatusPublished = "published"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// RunRecord describes one invocation of the ingest pipeline.
type RunRecord struct {
	RunID       string
	Format      string
	Fingerprint string
	InputRoot   string
	OutputRoot  string
	Splits      int
	StartedAt   time.Time
}

// RunSummary is written when a run ends.
type RunSummary struct {
	Processed    int
	Skipped      int
	Failed       int
	Records      int64
	DecodeErrors int64
	FinishedAt   time.Time
}

// Status returns "succeeded" when no split failed and "failed" otherwise.
func (s RunSummary) Status() string {
	if s.Failed > 0 {
		return "failed"
	}
	return "succeeded"
}

// SplitRecord describes the outcome of one split.
type SplitRecord struct {
	RunID          string
	Fingerprint    string
	SplitIndex     int
	SplitID        string
	Status         string
	OutputPath     string
	Checksum       string
	RowCount       int64
	SkippedRecords int64
	ByteSize       int64
	BytesRead      int64
	Attempts       int
	Error          string
}
