// Package ingestion defines the contracts shared by the fetchers, the work
// queue and the file processors of the claims ingestion engine.
package ingestion

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/util"
)

// Source identifies where a work item came from.
type Source string

const (
	SourceLocalFS = Source("localfs")
	SourceDHPO    = Source("dhpo")
)

// WorkItem is one downloaded transaction file waiting to be processed. The
// payload is carried either in memory (Bytes) or staged on disk (StagedPath);
// exactly one of the two is set.
type WorkItem struct {
	// FileID is the provider-scoped identifier of the transaction file. For
	// local files this is the base filename.
	FileID string

	// Bytes holds the raw XML payload for in-memory items.
	Bytes []byte

	// StagedPath points at the payload on disk for items large enough to have
	// been staged during download.
	StagedPath string

	// SourcePath is the original location of a local file, used to move it to
	// archive/ or failed/ after processing. Empty for downloaded items.
	SourcePath string

	// Source records which fetcher produced the item.
	Source Source

	// Facility is the DHPO facility license the file was fetched for. Empty
	// for local files until the parser reads it from the header.
	Facility string

	// CorrelationID tags every log line and audit row for this file.
	CorrelationID string

	// ReceivedAt is when the fetcher handed the item over.
	ReceivedAt time.Time
}

// Payload opens the item's XML content for reading. The caller must close the
// returned ReadCloser.
func (w WorkItem) Payload() (io.ReadCloser, error) {
	if w.StagedPath != "" {
		f, err := os.Open(w.StagedPath)
		if err != nil {
			return nil, skerr.Wrapf(err, "opening staged payload for file %s", w.FileID)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(w.Bytes)), nil
}

// Size returns the payload size in bytes, or -1 if it cannot be determined.
func (w WorkItem) Size() int64 {
	if w.StagedPath != "" {
		fi, err := os.Stat(w.StagedPath)
		if err != nil {
			return -1
		}
		return fi.Size()
	}
	return int64(len(w.Bytes))
}

// Cleanup removes the staged payload, if any. Safe to call more than once.
func (w WorkItem) Cleanup() {
	if w.StagedPath != "" {
		if _, err := os.Stat(w.StagedPath); err == nil {
			util.Remove(w.StagedPath)
		}
	}
}

// Fetcher produces work items from some backend (a watched directory or the
// remote DHPO endpoints) and offers them to the queue.
type Fetcher interface {
	// Start begins producing work items. It returns after the fetcher's
	// background goroutines are running; they stop when ctx is canceled.
	Start(ctx context.Context) error

	// Pause stops the fetcher from producing new items until Resume is called.
	// Items already in flight are still delivered.
	Pause()

	// Resume undoes Pause.
	Resume()
}
