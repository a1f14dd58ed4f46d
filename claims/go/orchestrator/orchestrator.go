// Package orchestrator drains the work queue through a worker pool and runs
// each file through the parse, persist, verify and ack stages.
package orchestrator

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.sahl.health/claims/claims/go/ack"
	"go.sahl.health/claims/claims/go/audit"
	"go.sahl.health/claims/claims/go/config"
	"go.sahl.health/claims/claims/go/ingestion"
	"go.sahl.health/claims/claims/go/persist"
	"go.sahl.health/claims/claims/go/verify"
	"go.sahl.health/claims/claims/go/xmlparse"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
	"go.sahl.health/claims/go/util"
)

// Disposer moves a source file to its terminal location after processing. The
// local directory fetcher implements it; the SOAP source has nothing to move.
type Disposer interface {
	Dispose(item ingestion.WorkItem, ok bool)
}

// Orchestrator owns the worker pool and the ingestion run lifecycle.
type Orchestrator struct {
	cfg       config.IngestionConfig
	queue     *ingestion.Queue
	parser    *xmlparse.Parser
	persister *persist.Service
	verifier  *verify.Verifier
	acker     ack.Acker
	sink      *audit.Sink
	disposer  Disposer

	workers int
	paused  int32
	wg      sync.WaitGroup

	// Run bookkeeping. A run opens when the first file after idle starts and
	// closes when the pool drains back to quiescence.
	mtx       sync.Mutex
	runID     int64
	inFlight  int
	processed int
	failed    int

	filesOK     metrics2.Counter
	filesFailed metrics2.Counter
	heartbeat   metrics2.Liveness
}

// New returns an Orchestrator. disposer may be nil.
func New(cfg config.IngestionConfig, queue *ingestion.Queue, parser *xmlparse.Parser, persister *persist.Service, verifier *verify.Verifier, acker ack.Acker, sink *audit.Sink, disposer Disposer) *Orchestrator {
	workers := cfg.ParserWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Orchestrator{
		cfg:       cfg,
		queue:     queue,
		parser:    parser,
		persister: persister,
		verifier:  verifier,
		acker:     acker,
		sink:      sink,
		disposer:  disposer,
		workers:   workers,

		filesOK:     metrics2.GetCounter("claims_ingestion_files_ok"),
		filesFailed: metrics2.GetCounter("claims_ingestion_files_failed"),
		heartbeat:   metrics2.NewLiveness("claims_ingestion_heartbeat"),
	}
}

// Start launches the worker pool. Workers stop when ctx is canceled; Wait
// blocks until they have drained.
func (o *Orchestrator) Start(ctx context.Context) {
	sklog.Infof("Starting %d ingestion workers, drain period %s", o.workers, o.cfg.PollPeriod.Duration)
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx)
	}
	go util.RepeatCtx(ctx, o.cfg.PollPeriod.Duration, func(_ context.Context) {
		o.heartbeat.Reset()
	})
}

// Wait blocks until every worker has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	o.closeRunIfIdle(context.Background())
}

// Pause stops workers from picking up new files. In-flight files finish.
func (o *Orchestrator) Pause() {
	atomic.StoreInt32(&o.paused, 1)
}

// Resume undoes Pause.
func (o *Orchestrator) Resume() {
	atomic.StoreInt32(&o.paused, 0)
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if atomic.LoadInt32(&o.paused) == 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.PollPeriod.Duration):
			}
			continue
		}
		item, err := o.queue.Take(ctx)
		if err != nil {
			return
		}
		runID := o.beginTask(ctx)
		ok := o.Process(ctx, runID, item)
		o.endTask(ctx, ok)
	}
}

// Process runs one file through the pipeline and returns whether it ended in
// a terminal good state.
func (o *Orchestrator) Process(ctx context.Context, runID int64, item ingestion.WorkItem) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FileTimeout.Duration)
	defer cancel()

	ok := o.processFile(ctx, runID, item)
	if ok {
		o.filesOK.Inc(1)
	} else {
		o.filesFailed.Inc(1)
	}
	if o.disposer != nil {
		o.disposer.Dispose(item, ok)
	}
	item.Cleanup()
	return ok
}

func (o *Orchestrator) processFile(ctx context.Context, runID int64, item ingestion.WorkItem) bool {
	raw, err := readPayload(item)
	if err != nil {
		sklog.Errorf("[%s] Cannot read payload of %s: %s", item.CorrelationID, item.FileID, err)
		o.sink.RecordErrors(ctx, item.FileID, []audit.ErrorRow{{
			Stage:     audit.StageFetch,
			Code:      "PAYLOAD_UNREADABLE",
			Severity:  "ERROR",
			Message:   err.Error(),
			Retryable: true,
		}})
		return false
	}

	t := metrics2.NewTimer("claims_file_pipeline")
	parsed := o.parser.Parse(raw)
	res, err := o.persister.Persist(ctx, item.FileID, raw, parsed)
	duration := t.Stop()

	o.sink.RecordErrors(ctx, item.FileID, res.RowErrors)
	for _, m := range res.BatchMetrics {
		o.sink.RecordBatchMetric(ctx, m)
	}

	fa := audit.FileAudit{
		RunID:              runID,
		FileID:             item.FileID,
		CorrelationID:      item.CorrelationID,
		Status:             string(res.Status),
		ExpectedClaims:     parsed.ExpectedClaims,
		ExpectedActivities: parsed.ExpectedActivities,
		VerifyStatus:       "SKIPPED",
		AckStatus:          "SKIPPED",
	}
	fa.PersistedClaims = res.Counts.Claims + res.Counts.RemitClaims
	fa.PersistedActivities = res.Counts.Acts + res.Counts.RemitActs

	if err != nil {
		sklog.Errorf("[%s] Persisting %s failed: %s", item.CorrelationID, item.FileID, err)
		o.sink.RecordErrors(ctx, item.FileID, []audit.ErrorRow{{
			Stage:     audit.StagePersist,
			Code:      "PERSIST_FAILED",
			Severity:  "ERROR",
			Message:   err.Error(),
			Retryable: true,
		}})
		o.sink.RecordFileAudit(ctx, fa)
		return false
	}
	if res.Status == persist.StatusFail {
		sklog.Errorf("[%s] File %s rejected: %d problems", item.CorrelationID, item.FileID, len(res.RowErrors))
		o.sink.RecordFileAudit(ctx, fa)
		return false
	}

	verified, findings := o.verifier.Check(ctx, res, parsed.ExpectedClaims, parsed.ExpectedActivities)
	if verified {
		fa.VerifyStatus = "OK"
	} else {
		fa.VerifyStatus = "FAILED"
		rows := make([]audit.ErrorRow, 0, len(findings))
		for _, f := range findings {
			rows = append(rows, audit.ErrorRow{
				Stage:    audit.StageVerify,
				Code:     "VERIFY_FAILED",
				Severity: "ERROR",
				Message:  f,
			})
		}
		o.sink.RecordErrors(ctx, item.FileID, rows)
	}

	// Acking is gated twice: the config switch and a clean verification.
	// An unacked file is re-offered by the remote and replays as a no-op.
	if item.Source == ingestion.SourceDHPO && o.cfg.AckEnabled && verified {
		if o.acker.Ack(ctx, item.FileID) {
			fa.AckStatus = "OK"
		} else {
			fa.AckStatus = "FAILED"
		}
	}
	o.sink.RecordFileAudit(ctx, fa)

	sklog.Infof("[%s] File %s done in %s: status=%s claims=%d acts=%d events=%d conflicts=%d verify=%s ack=%s",
		item.CorrelationID, item.FileID, duration, res.Status, fa.PersistedClaims, fa.PersistedActivities,
		res.Counts.Events, res.Counts.Conflicts, fa.VerifyStatus, fa.AckStatus)
	return verified && res.Status != persist.StatusFail
}

func (o *Orchestrator) beginTask(ctx context.Context) int64 {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.runID == 0 && o.inFlight == 0 {
		o.runID = o.sink.StartRun(ctx)
		o.processed = 0
		o.failed = 0
	}
	o.inFlight++
	return o.runID
}

func (o *Orchestrator) endTask(ctx context.Context, ok bool) {
	o.mtx.Lock()
	o.inFlight--
	o.processed++
	if !ok {
		o.failed++
	}
	idle := o.inFlight == 0 && o.queue.Depth() == 0
	runID, processed, failed := o.runID, o.processed, o.failed
	if idle {
		o.runID = 0
	}
	o.mtx.Unlock()

	if idle && runID != 0 {
		o.sink.CloseRun(ctx, runID, processed, failed)
	}
}

func (o *Orchestrator) closeRunIfIdle(ctx context.Context) {
	o.mtx.Lock()
	runID, processed, failed := o.runID, o.processed, o.failed
	o.runID = 0
	o.mtx.Unlock()
	if runID != 0 {
		o.sink.CloseRun(ctx, runID, processed, failed)
	}
}

func readPayload(item ingestion.WorkItem) ([]byte, error) {
	r, err := item.Payload()
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer util.Close(r)
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading payload of %s", item.FileID)
	}
	return b, nil
}
