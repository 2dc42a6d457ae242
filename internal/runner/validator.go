package runner

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/reader"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/split"
	"github.com/withObsrvr/obsrvr-bronze-ingest/internal/storage"
)

// ValidationResult contains the outcome of output validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// ValidateOutput performs quality checks on a split output before commit.
// This validates:
// - Every row the cursor produced was written
// - Every chunk of the split was opened or reported as undecodable
// - Rows produce a non-empty output, unless the container is raw blob bytes
// - Checksum format (sha256:<hex>)
func ValidateOutput(sp split.Split, stats reader.Stats, res SplitResult, container string) ValidationResult {
	result := ValidationResult{Passed: true}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	// Check 1: Row count consistency
	if stats.Records != res.Rows {
		fail("row count mismatch: decoded %d, wrote %d", stats.Records, res.Rows)
	}

	// Check 2: Chunk coverage
	if stats.Chunks+int(stats.DecodeErrors) < len(sp.Chunks) {
		fail("read %d of %d chunks", stats.Chunks, len(sp.Chunks))
	}

	// Check 3: Non-empty output. Blob output has no framing, so empty inputs
	// legitimately write zero bytes.
	if res.Rows > 0 && res.ByteSize == 0 && container != "blob" {
		fail("%d rows produced an empty output", res.Rows)
	}

	// Check 4: Checksum format
	if hex, ok := strings.CutPrefix(res.Checksum, "sha256:"); !ok || len(hex) != 64 {
		fail("checksum in non-standard format: %s", res.Checksum[:min(20, len(res.Checksum))])
	}

	// Check 5: Input coverage. Compressed inputs count compressed bytes, which
	// still cover the file.
	if stats.Bytes < sp.Size() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("read %d bytes of a %d byte split", stats.Bytes, sp.Size()))
	}
	for _, c := range sp.Chunks {
		if storage.IsCompressed(c.Path) && !c.Whole() {
			fail("compressed file %s was planned as a range", c.Path)
		}
	}

	if res.SkippedRecords > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d records skipped after decode errors", res.SkippedRecords))
	}

	return result
}
