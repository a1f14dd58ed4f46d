package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sahl.health/claims/claims/go/config"
	"go.sahl.health/claims/claims/go/dhpo"
	"go.sahl.health/claims/claims/go/ingestion"
	"go.sahl.health/claims/claims/go/vault"
)

// fakeGateway serves canned listings and downloads.
type fakeGateway struct {
	files       []dhpo.TransactionFile
	payloads    map[string][]byte
	listCalls   int
	searchCalls int
	acked       []string
}

func (g *fakeGateway) GetNewTransactions(_ context.Context, _, _, _ string) (dhpo.ResultCode, []dhpo.TransactionFile, error) {
	g.listCalls++
	if len(g.files) == 0 {
		return dhpo.CodeNoNewData, nil, nil
	}
	return dhpo.CodeOK, g.files, nil
}

func (g *fakeGateway) SearchTransactions(_ context.Context, _, _, _ string, _ dhpo.SearchQuery) (dhpo.ResultCode, []dhpo.TransactionFile, error) {
	g.searchCalls++
	if len(g.files) == 0 {
		return dhpo.CodeNoNewData, nil, nil
	}
	return dhpo.CodeOK, g.files, nil
}

func (g *fakeGateway) DownloadTransactionFile(_ context.Context, _, _, _, fileID string) (dhpo.ResultCode, string, []byte, error) {
	b, ok := g.payloads[fileID]
	if !ok {
		return dhpo.ResultCode(-2), "", nil, nil
	}
	return dhpo.CodeOK, fileID + ".xml", b, nil
}

func (g *fakeGateway) SetTransactionDownloaded(_ context.Context, _, _, _, fileID string) (dhpo.ResultCode, error) {
	g.acked = append(g.acked, fileID)
	return dhpo.CodeOK, nil
}

type fakeCreds struct {
	err error
}

func (f *fakeCreds) Decrypt(_ context.Context, _ string) (vault.Credentials, error) {
	if f.err != nil {
		return vault.Credentials{}, f.err
	}
	return vault.Credentials{Login: "u", Password: "p"}, nil
}

type fakeFacilities struct {
	facilities []Facility
	calls      int
}

func (f *fakeFacilities) ListActive(_ context.Context) ([]Facility, error) {
	f.calls++
	return f.facilities, nil
}

func newTestCoordinator(t *testing.T, gw dhpo.Gateway, creds CredentialSource, cfg config.DHPOConfig) (*Coordinator, *ingestion.Queue) {
	queue, err := ingestion.NewQueue(16)
	require.NoError(t, err)
	registry, err := NewRegistry(64)
	require.NoError(t, err)
	facilities := &fakeFacilities{facilities: []Facility{{Code: "DHA-F-001", Endpoint: "http://dhpo.test"}}}
	return NewCoordinator(cfg, gw, creds, facilities, registry, queue), queue
}

func TestCoordinator_PollDownloadsAndQueues(t *testing.T) {
	gw := &fakeGateway{
		files: []dhpo.TransactionFile{
			{FileID: "1001", FileName: "CS_1001.xml"},
			{FileID: "1002", FileName: "RA_1002.xml"},
		},
		payloads: map[string][]byte{
			"1001": []byte("<Claim.Submission/>"),
			"1002": []byte("<Remittance.Advice/>"),
		},
	}
	cfg := config.DHPOConfig{UseGetNewTransactions: true}
	c, queue := newTestCoordinator(t, gw, &fakeCreds{}, cfg)

	c.pollAll(context.Background())

	require.Equal(t, 2, queue.Depth())
	item, err := queue.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1001", item.FileID)
	assert.Equal(t, ingestion.SourceDHPO, item.Source)
	assert.Equal(t, "DHA-F-001", item.Facility)
	assert.NotEmpty(t, item.CorrelationID)

	fac, ok := c.registry.Lookup("1002")
	require.True(t, ok)
	assert.Equal(t, "DHA-F-001", fac)
}

func TestCoordinator_SearchSkipsDownloadedFiles(t *testing.T) {
	gw := &fakeGateway{
		files: []dhpo.TransactionFile{
			{FileID: "2001", IsDownloaded: true},
			{FileID: "2002"},
		},
		payloads: map[string][]byte{
			"2001": []byte("<Claim.Submission/>"),
			"2002": []byte("<Claim.Submission/>"),
		},
	}
	cfg := config.DHPOConfig{SearchDaysBack: 7}
	c, queue := newTestCoordinator(t, gw, &fakeCreds{}, cfg)

	c.pollAll(context.Background())

	assert.Equal(t, 1, gw.searchCalls)
	require.Equal(t, 1, queue.Depth())
	item, _ := queue.TryTake()
	assert.Equal(t, "2002", item.FileID)
}

func TestCoordinator_CredentialFailureDisablesFacility(t *testing.T) {
	gw := &fakeGateway{}
	c, _ := newTestCoordinator(t, gw, &fakeCreds{err: vault.ErrCredential}, config.DHPOConfig{UseGetNewTransactions: true})

	c.pollAll(context.Background())
	c.pollAll(context.Background())

	// The facility is skipped after the first failed decrypt; the gateway is
	// never reached.
	assert.Equal(t, 0, gw.listCalls)
	assert.True(t, c.isDisabled("DHA-F-001"))
}

func TestCoordinator_EmptyDownloadIsSkipped(t *testing.T) {
	gw := &fakeGateway{
		files:    []dhpo.TransactionFile{{FileID: "3001"}},
		payloads: map[string][]byte{"3001": {}},
	}
	c, queue := newTestCoordinator(t, gw, &fakeCreds{}, config.DHPOConfig{UseGetNewTransactions: true})

	c.pollAll(context.Background())
	assert.Equal(t, 0, queue.Depth())
	_, ok := c.registry.Lookup("3001")
	assert.False(t, ok)
}

func TestCoordinator_StagesLargePayloadToDisk(t *testing.T) {
	payload := make([]byte, 2*1024*1024)
	copy(payload, []byte("<Claim.Submission/>"))
	gw := &fakeGateway{
		files:    []dhpo.TransactionFile{{FileID: "4001"}},
		payloads: map[string][]byte{"4001": payload},
	}
	cfg := config.DHPOConfig{
		UseGetNewTransactions:  true,
		StageToDiskThresholdMB: 1,
		StagingDir:             t.TempDir(),
	}
	c, queue := newTestCoordinator(t, gw, &fakeCreds{}, cfg)

	c.pollAll(context.Background())
	require.Equal(t, 1, queue.Depth())
	item, _ := queue.TryTake()
	assert.Empty(t, item.Bytes)
	require.NotEmpty(t, item.StagedPath)
	assert.Equal(t, int64(len(payload)), item.Size())

	r, err := item.Payload()
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	item.Cleanup()
	_, err = os.Stat(item.StagedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalFSFetcher_InitialSweep(t *testing.T) {
	base := t.TempDir()
	readyDir := filepath.Join(base, "ready")
	require.NoError(t, os.MkdirAll(readyDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(readyDir, "sub_min.xml"), []byte("<Claim.Submission/>"), 0644))
	// Non-XML files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(readyDir, "notes.txt"), []byte("skip"), 0644))

	queue, err := ingestion.NewQueue(4)
	require.NoError(t, err)
	f, err := NewLocalFSFetcher(readyDir, "", "", queue)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	ctxTake, cancelTake := context.WithTimeout(ctx, 5*time.Second)
	defer cancelTake()
	item, err := queue.Take(ctxTake)
	require.NoError(t, err)
	assert.Equal(t, "sub_min.xml", item.FileID)
	assert.Equal(t, []byte("<Claim.Submission/>"), item.Bytes)
	assert.Equal(t, ingestion.SourceLocalFS, item.Source)
	assert.Equal(t, 0, queue.Depth())
}

func TestLocalFSFetcher_Dispose(t *testing.T) {
	base := t.TempDir()
	readyDir := filepath.Join(base, "ready")
	queue, err := ingestion.NewQueue(4)
	require.NoError(t, err)
	f, err := NewLocalFSFetcher(readyDir, "", "", queue)
	require.NoError(t, err)

	okPath := filepath.Join(readyDir, "good.xml")
	require.NoError(t, os.WriteFile(okPath, []byte("<x/>"), 0644))
	f.Dispose(ingestion.WorkItem{FileID: "good.xml", SourcePath: okPath}, true)
	_, err = os.Stat(filepath.Join(base, "archive", "good.xml"))
	require.NoError(t, err)

	badPath := filepath.Join(readyDir, "bad.xml")
	require.NoError(t, os.WriteFile(badPath, []byte("<x/>"), 0644))
	f.Dispose(ingestion.WorkItem{FileID: "bad.xml", SourcePath: badPath}, false)
	_, err = os.Stat(filepath.Join(base, "failed", "bad.xml"))
	require.NoError(t, err)
}
