package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sahl.health/claims/claims/go/audit"
	"go.sahl.health/claims/claims/go/config"
	"go.sahl.health/claims/claims/go/ingestion"
	"go.sahl.health/claims/claims/go/persist"
	"go.sahl.health/claims/claims/go/sql/sqltest"
	"go.sahl.health/claims/claims/go/verify"
	"go.sahl.health/claims/claims/go/xmlparse"
)

const subXML = `<Claim.Submission>
  <Header>
    <SenderID>S</SenderID><ReceiverID>R</ReceiverID>
    <TransactionDate>10/01/2025 12:00</TransactionDate>
    <RecordCount>1</RecordCount>
  </Header>
  <Claim>
    <ID>C1</ID><PayerID>P1</PayerID><ProviderID>V1</ProviderID>
    <Gross>50.00</Gross><PatientShare>0.00</PatientShare><Net>50.00</Net>
    <Activity>
      <ID>A1</ID><Type>3</Type><Code>99213</Code><Net>50.00</Net>
    </Activity>
  </Claim>
</Claim.Submission>`

type recordingAcker struct {
	mtx   sync.Mutex
	acked []string
	ok    bool
}

func (a *recordingAcker) Ack(_ context.Context, fileID string) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.acked = append(a.acked, fileID)
	return a.ok
}

type recordingDisposer struct {
	mtx   sync.Mutex
	calls map[string]bool
}

func (d *recordingDisposer) Dispose(item ingestion.WorkItem, ok bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.calls == nil {
		d.calls = map[string]bool{}
	}
	d.calls[item.FileID] = ok
}

func testConfig() config.IngestionConfig {
	cfg := config.IngestionConfig{AckEnabled: true}
	cfg.ApplyDefaults()
	cfg.ParserWorkers = 2
	cfg.PollPeriod.Duration = 10 * time.Millisecond
	return cfg
}

func TestProcess_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewClaimsDBForTests(ctx, t)
	cfg := testConfig()

	acker := &recordingAcker{ok: true}
	disposer := &recordingDisposer{}
	o := New(cfg, mustQueue(t), xmlparse.New(cfg.MaxAttachmentBytes),
		persist.New(db, persist.Options{RefDataAutoInsert: true}),
		verify.New(db), acker, audit.New(db), disposer)

	item := ingestion.WorkItem{
		FileID:        "F1",
		Bytes:         []byte(subXML),
		Source:        ingestion.SourceDHPO,
		CorrelationID: "corr-1",
		ReceivedAt:    time.Now(),
	}
	runID := o.beginTask(ctx)
	ok := o.Process(ctx, runID, item)
	o.endTask(ctx, ok)

	assert.True(t, ok)
	assert.Equal(t, []string{"F1"}, acker.acked)
	assert.Equal(t, map[string]bool{"F1": true}, disposer.calls)
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.claim"))
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.ingestion_file_audit"))
	// Run opened on the first task and closed at quiescence.
	assert.Equal(t, 1, sqltest.CountRows(ctx, t, db, "claims.ingestion_run"))
	var ended int
	require.NoError(t, db.QueryRow(ctx, `
SELECT COUNT(*) FROM claims.ingestion_run WHERE ended_at IS NOT NULL`).Scan(&ended))
	assert.Equal(t, 1, ended)
}

func TestProcess_LocalFileIsNotAcked(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewClaimsDBForTests(ctx, t)
	cfg := testConfig()

	acker := &recordingAcker{ok: true}
	o := New(cfg, mustQueue(t), xmlparse.New(cfg.MaxAttachmentBytes),
		persist.New(db, persist.Options{RefDataAutoInsert: true}),
		verify.New(db), acker, audit.New(db), nil)

	item := ingestion.WorkItem{
		FileID: "local.xml",
		Bytes:  []byte(subXML),
		Source: ingestion.SourceLocalFS,
	}
	assert.True(t, o.Process(ctx, 0, item))
	assert.Empty(t, acker.acked)
}

func TestProcess_FatalFileFails(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewClaimsDBForTests(ctx, t)
	cfg := testConfig()

	acker := &recordingAcker{ok: true}
	disposer := &recordingDisposer{}
	o := New(cfg, mustQueue(t), xmlparse.New(cfg.MaxAttachmentBytes),
		persist.New(db, persist.Options{RefDataAutoInsert: true}),
		verify.New(db), acker, audit.New(db), disposer)

	item := ingestion.WorkItem{
		FileID: "bad.xml",
		Bytes:  []byte("<Unexpected/>"),
		Source: ingestion.SourceDHPO,
	}
	assert.False(t, o.Process(ctx, 0, item))
	assert.Empty(t, acker.acked)
	assert.Equal(t, map[string]bool{"bad.xml": false}, disposer.calls)
	// The parse problems landed in the error ledger.
	assert.NotZero(t, sqltest.CountRows(ctx, t, db, "claims.ingestion_error"))
	assert.Zero(t, sqltest.CountRows(ctx, t, db, "claims.claim"))
}

func TestStart_DrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := sqltest.NewClaimsDBForTests(ctx, t)
	cfg := testConfig()
	cfg.AckEnabled = false

	queue := mustQueue(t)
	o := New(cfg, queue, xmlparse.New(cfg.MaxAttachmentBytes),
		persist.New(db, persist.Options{RefDataAutoInsert: true}),
		verify.New(db), &recordingAcker{ok: true}, audit.New(db), nil)
	o.Start(ctx)

	require.True(t, queue.Offer(ingestion.WorkItem{
		FileID: "F1",
		Bytes:  []byte(subXML),
		Source: ingestion.SourceDHPO,
	}, time.Second))

	require.Eventually(t, func() bool {
		return sqltest.CountRows(ctx, t, db, "claims.claim") == 1
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	o.Wait()
}

func mustQueue(t *testing.T) *ingestion.Queue {
	q, err := ingestion.NewQueue(16)
	require.NoError(t, err)
	return q
}
