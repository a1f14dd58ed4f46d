package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.sahl.health/claims/claims/go/config"
	"go.sahl.health/claims/claims/go/dhpo"
	"go.sahl.health/claims/claims/go/ingestion"
	"go.sahl.health/claims/claims/go/vault"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
	"go.sahl.health/claims/go/util"
)

// Facility is one active DHPO account the coordinator polls.
type Facility struct {
	Code     string
	Name     string
	Endpoint string
}

// FacilityProvider lists the facilities to poll. The SQL implementation lives
// in sqlfacilities.go.
type FacilityProvider interface {
	ListActive(ctx context.Context) ([]Facility, error)
}

// CredentialSource is the part of the vault the coordinator needs.
type CredentialSource interface {
	Decrypt(ctx context.Context, facilityCode string) (vault.Credentials, error)
}

// Coordinator polls every active facility on a jittered cadence, downloads
// new transaction files and offers them to the work queue. Downloads within
// one poll are serial to respect upstream rate limits.
type Coordinator struct {
	cfg        config.DHPOConfig
	gateway    dhpo.Gateway
	creds      CredentialSource
	facilities FacilityProvider
	registry   *Registry
	queue      *ingestion.Queue

	paused int32

	// Facilities whose credentials failed authentication stay disabled until
	// operator intervention (a process restart or a re-provisioned row).
	mtx      sync.Mutex
	disabled map[string]bool

	downloads  metrics2.Counter
	staged     metrics2.Counter
	credErrors metrics2.Counter
	pollTicks  metrics2.Counter
}

// NewCoordinator returns a Coordinator. Start must be called to begin polling.
func NewCoordinator(cfg config.DHPOConfig, gateway dhpo.Gateway, creds CredentialSource, facilities FacilityProvider, registry *Registry, queue *ingestion.Queue) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		gateway:    gateway,
		creds:      creds,
		facilities: facilities,
		registry:   registry,
		queue:      queue,
		disabled:   map[string]bool{},

		downloads:  metrics2.GetCounter("claims_dhpo_files_downloaded"),
		staged:     metrics2.GetCounter("claims_dhpo_files_staged"),
		credErrors: metrics2.GetCounter("claims_dhpo_credential_errors"),
		pollTicks:  metrics2.GetCounter("claims_dhpo_poll_ticks"),
	}
}

// Start implements ingestion.Fetcher. One goroutine polls all facilities;
// per-facility listing is serialized by construction.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.cfg.StagingDir != "" {
		if err := os.MkdirAll(c.cfg.StagingDir, 0755); err != nil {
			return skerr.Wrapf(err, "creating staging dir %s", c.cfg.StagingDir)
		}
	}
	go func() {
		for {
			c.pollAll(ctx)
			wait := util.WithJitter(c.cfg.PollPeriod.Duration, c.cfg.PollJitter.Duration)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
	return nil
}

// Pause implements ingestion.Fetcher.
func (c *Coordinator) Pause() {
	atomic.StoreInt32(&c.paused, 1)
}

// Resume implements ingestion.Fetcher.
func (c *Coordinator) Resume() {
	atomic.StoreInt32(&c.paused, 0)
}

func (c *Coordinator) isPaused() bool {
	return atomic.LoadInt32(&c.paused) == 1
}

func (c *Coordinator) pollAll(ctx context.Context) {
	c.pollTicks.Inc(1)
	if c.isPaused() {
		return
	}
	facilities, err := c.facilities.ListActive(ctx)
	if err != nil {
		sklog.Errorf("Cannot list facilities: %s", err)
		return
	}
	for _, fac := range facilities {
		if ctx.Err() != nil {
			return
		}
		if c.isDisabled(fac.Code) {
			continue
		}
		if err := c.pollFacility(ctx, fac); err != nil {
			sklog.Errorf("Polling facility %s failed: %s", fac.Code, err)
		}
	}
}

func (c *Coordinator) pollFacility(ctx context.Context, fac Facility) error {
	creds, err := c.creds.Decrypt(ctx, fac.Code)
	if err != nil {
		// Authentication-grade failures are not retried until an operator
		// intervenes; the poll loop skips the facility from now on.
		c.credErrors.Inc(1)
		c.disable(fac.Code)
		return skerr.Wrapf(err, "credentials unavailable; facility %s disabled", fac.Code)
	}

	files, err := c.listCandidates(ctx, fac, creds)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, tf := range files {
		if ctx.Err() != nil {
			return skerr.Wrap(ctx.Err())
		}
		if c.isPaused() {
			sklog.Infof("Back-pressure pause; deferring remaining %s downloads to the next tick", fac.Code)
			return nil
		}
		if !c.downloadAndOffer(ctx, fac, creds, tf) {
			// Queue saturated: give up on this facility for this tick.
			return nil
		}
	}
	return nil
}

func (c *Coordinator) listCandidates(ctx context.Context, fac Facility, creds vault.Credentials) ([]dhpo.TransactionFile, error) {
	if c.cfg.UseGetNewTransactions {
		code, files, err := c.gateway.GetNewTransactions(ctx, fac.Endpoint, creds.Login, creds.Password)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if code == dhpo.CodeNoNewData {
			return nil, nil
		}
		if code != dhpo.CodeOK {
			return nil, skerr.Fmt("GetNewTransactions for %s returned code %d", fac.Code, code)
		}
		return files, nil
	}

	now := time.Now().UTC()
	q := dhpo.SearchQuery{
		CallerLicense: fac.Code,
		FromDate:      now.AddDate(0, 0, -c.cfg.SearchDaysBack),
		ToDate:        now,
	}
	code, files, err := c.gateway.SearchTransactions(ctx, fac.Endpoint, creds.Login, creds.Password, q)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if code == dhpo.CodeNoNewData {
		return nil, nil
	}
	if code != dhpo.CodeOK {
		return nil, skerr.Fmt("SearchTransactions for %s returned code %d", fac.Code, code)
	}
	// Search also returns files already pulled; skip those.
	rv := files[:0]
	for _, tf := range files {
		if !tf.IsDownloaded {
			rv = append(rv, tf)
		}
	}
	return rv, nil
}

// downloadAndOffer returns false when the queue could not accept the item,
// signalling the caller to stop downloading for this tick.
func (c *Coordinator) downloadAndOffer(ctx context.Context, fac Facility, creds vault.Credentials, tf dhpo.TransactionFile) bool {
	code, fileName, fileBytes, err := c.gateway.DownloadTransactionFile(ctx, fac.Endpoint, creds.Login, creds.Password, tf.FileID)
	if err != nil {
		sklog.Errorf("Download of %s for facility %s failed: %s", tf.FileID, fac.Code, err)
		return true
	}
	if code != dhpo.CodeOK {
		sklog.Warningf("Download of %s for facility %s returned code %d", tf.FileID, fac.Code, code)
		return true
	}
	if len(fileBytes) == 0 {
		sklog.Errorf("Download of %s for facility %s returned empty payload", tf.FileID, fac.Code)
		return true
	}
	c.downloads.Inc(1)

	item := ingestion.WorkItem{
		FileID:        tf.FileID,
		Source:        ingestion.SourceDHPO,
		Facility:      fac.Code,
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now().UTC(),
	}
	threshold := int64(c.cfg.StageToDiskThresholdMB) * 1024 * 1024
	if threshold > 0 && int64(len(fileBytes)) >= threshold && c.cfg.StagingDir != "" {
		staged, err := c.stageToDisk(tf.FileID, fileBytes)
		if err != nil {
			sklog.Errorf("Cannot stage %s to disk, keeping in memory: %s", tf.FileID, err)
			item.Bytes = fileBytes
		} else {
			item.StagedPath = staged
			c.staged.Inc(1)
		}
	} else {
		item.Bytes = fileBytes
	}

	c.registry.Remember(tf.FileID, fac.Code)
	if !c.queue.Offer(item, offerTimeout) {
		sklog.Warningf("Queue rejected %s; pausing downloads for facility %s this tick", tf.FileID, fac.Code)
		item.Cleanup()
		c.registry.Forget(tf.FileID)
		return false
	}
	sklog.Infof("[%s] Queued DHPO file %s (%s, %d bytes) for facility %s", item.CorrelationID, tf.FileID, fileName, len(fileBytes), fac.Code)
	return true
}

// stageToDisk writes the payload to a temp file, fsyncs it and renames it
// into the staging directory so readers never observe a partial file.
func (c *Coordinator) stageToDisk(fileID string, b []byte) (string, error) {
	tmp, err := os.CreateTemp(c.cfg.StagingDir, "staging-*.tmp")
	if err != nil {
		return "", skerr.Wrap(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		util.Remove(tmpName)
		return "", skerr.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		util.Remove(tmpName)
		return "", skerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		util.Remove(tmpName)
		return "", skerr.Wrap(err)
	}
	dest := filepath.Join(c.cfg.StagingDir, fileID+".xml")
	if err := os.Rename(tmpName, dest); err != nil {
		util.Remove(tmpName)
		return "", skerr.Wrap(err)
	}
	return dest, nil
}

func (c *Coordinator) disable(facilityCode string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.disabled[facilityCode] = true
}

func (c *Coordinator) isDisabled(facilityCode string) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.disabled[facilityCode]
}
