// Package fetcher contains the two work item producers: a local directory
// watcher and the DHPO fetch coordinator. Exactly one is active per process.
package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/fsnotify.v1"

	"go.sahl.health/claims/claims/go/ingestion"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
)

// offerTimeout bounds how long a producer waits on a full queue per attempt.
const offerTimeout = 250 * time.Millisecond

// LocalFSFetcher watches a ready directory and offers every XML file that
// appears in it. Files become visible via atomic rename into the directory.
type LocalFSFetcher struct {
	readyDir   string
	archiveDir string
	failedDir  string
	queue      *ingestion.Queue

	paused int32

	produced metrics2.Counter
	archived metrics2.Counter
	failed   metrics2.Counter
}

// NewLocalFSFetcher returns a fetcher over the given directories. Empty
// archive and failed dirs default to siblings of readyDir.
func NewLocalFSFetcher(readyDir, archiveDir, failedDir string, queue *ingestion.Queue) (*LocalFSFetcher, error) {
	if readyDir == "" {
		return nil, skerr.Fmt("localfs fetcher requires a ready directory")
	}
	if archiveDir == "" {
		archiveDir = filepath.Join(filepath.Dir(readyDir), "archive")
	}
	if failedDir == "" {
		failedDir = filepath.Join(filepath.Dir(readyDir), "failed")
	}
	for _, dir := range []string{readyDir, archiveDir, failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, skerr.Wrapf(err, "creating directory %s", dir)
		}
	}
	return &LocalFSFetcher{
		readyDir:   readyDir,
		archiveDir: archiveDir,
		failedDir:  failedDir,
		queue:      queue,

		produced: metrics2.GetCounter("claims_localfs_produced"),
		archived: metrics2.GetCounter("claims_localfs_archived"),
		failed:   metrics2.GetCounter("claims_localfs_failed"),
	}, nil
}

// Start implements ingestion.Fetcher. It scans the directory once for files
// that predate the watch, then follows fsnotify events.
func (f *LocalFSFetcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := watcher.Add(f.readyDir); err != nil {
		_ = watcher.Close()
		return skerr.Wrapf(err, "watching %s", f.readyDir)
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		// Initial sweep for files already present.
		entries, err := os.ReadDir(f.readyDir)
		if err != nil {
			sklog.Errorf("Cannot list ready dir %s: %s", f.readyDir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				f.handleFile(ctx, filepath.Join(f.readyDir, e.Name()))
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Atomic rename into the dir arrives as Create; Rename covers
				// overlay filesystems that report it instead.
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					f.handleFile(ctx, ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				sklog.Errorf("Watcher error on %s: %s", f.readyDir, err)
			}
		}
	}()
	return nil
}

// Pause implements ingestion.Fetcher.
func (f *LocalFSFetcher) Pause() {
	atomic.StoreInt32(&f.paused, 1)
}

// Resume implements ingestion.Fetcher.
func (f *LocalFSFetcher) Resume() {
	atomic.StoreInt32(&f.paused, 0)
}

func (f *LocalFSFetcher) isPaused() bool {
	return atomic.LoadInt32(&f.paused) == 1
}

func (f *LocalFSFetcher) handleFile(ctx context.Context, path string) {
	if !strings.EqualFold(filepath.Ext(path), ".xml") {
		return
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		sklog.Errorf("Cannot read %s: %s", path, err)
		return
	}
	item := ingestion.WorkItem{
		FileID:        filepath.Base(path),
		Bytes:         b,
		SourcePath:    path,
		Source:        ingestion.SourceLocalFS,
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now().UTC(),
	}
	// Never drop: keep offering until accepted or shut down, waiting out
	// back-pressure pauses between attempts.
	for {
		if ctx.Err() != nil {
			return
		}
		if !f.isPaused() && f.queue.Offer(item, offerTimeout) {
			f.produced.Inc(1)
			sklog.Infof("[%s] Queued local file %s (%d bytes)", item.CorrelationID, item.FileID, len(b))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(offerTimeout):
		}
	}
}

// Dispose moves the source file to archive/ on success or failed/ on a hard
// failure. Called by the pipeline after the file's outcome is known.
func (f *LocalFSFetcher) Dispose(item ingestion.WorkItem, ok bool) {
	if item.SourcePath == "" {
		return
	}
	destDir := f.archiveDir
	ctr := f.archived
	if !ok {
		destDir = f.failedDir
		ctr = f.failed
	}
	dest := filepath.Join(destDir, filepath.Base(item.SourcePath))
	if err := os.Rename(item.SourcePath, dest); err != nil {
		sklog.Errorf("[%s] Cannot move %s to %s: %s", item.CorrelationID, item.SourcePath, dest, err)
		return
	}
	ctr.Inc(1)
}
