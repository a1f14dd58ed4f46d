// Package config defines the configuration for the claims ingestion engine
// and how it is loaded from JSON5 files.
package config

import (
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/flynn/json5"

	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/util"
)

// Duration allows us to supply a duration as a human readable string,
// e.g. "30m".
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return skerr.Wrap(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return skerr.Wrapf(err, "parsing duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// SourceBackend selects which fetcher produces work items.
type SourceBackend string

const (
	// SourceLocalFS watches a local directory for XML files.
	SourceLocalFS = SourceBackend("localfs")
	// SourceSOAP polls the remote DHPO endpoints per facility.
	SourceSOAP = SourceBackend("soap")
)

// IngestionConfig is the top-level configuration for the ingestion engine.
type IngestionConfig struct {
	// Source selects the active fetcher backend: "localfs" or "soap".
	Source SourceBackend `json:"source"`

	// SQLConnection is the database connection string,
	// e.g. "postgresql://claims_rw@localhost:5432/claims?sslmode=disable".
	SQLConnection string `json:"sql_connection"`

	// ApplySchemaOnStartup applies the DDL in sql/schema on startup. Meant for
	// local development and tests; production migrations run out of band.
	ApplySchemaOnStartup bool `json:"apply_schema_on_startup"`

	// PollPeriod is the orchestrator drain period ("ingestion.poll.ms").
	PollPeriod Duration `json:"poll_period" optional:"true"`

	// ParserWorkers is the worker pool size. Zero means NumCPU.
	ParserWorkers int `json:"parser_workers" optional:"true"`

	// QueueCapacity is the bounded work queue size.
	QueueCapacity int `json:"queue_capacity" optional:"true"`

	// QueuePauseHighPct is the queue depth, as a percentage of capacity, at
	// which fetchers are paused. Default 75.
	QueuePauseHighPct int `json:"queue_pause_high_pct" optional:"true"`

	// QueueResumeLowPct is the depth percentage at which paused fetchers
	// resume. Default 50.
	QueueResumeLowPct int `json:"queue_resume_low_pct" optional:"true"`

	// BatchSize is the number of rows per multi-row insert statement.
	BatchSize int `json:"batch_size" optional:"true"`

	// TxPerFile forces a single transaction per file regardless of size.
	TxPerFile bool `json:"tx_per_file"`

	// TxPerChunkThreshold is the claim count above which a file is installed
	// in chunked transactions, each independently idempotent. Ignored when
	// TxPerFile is set. Default 500.
	TxPerChunkThreshold int `json:"tx_per_chunk_threshold" optional:"true"`

	// TxChunkClaims is the number of claims per chunked transaction, sized to
	// keep each commit well under its wall-clock budget. Default 100.
	TxChunkClaims int `json:"tx_chunk_claims" optional:"true"`

	// FileTimeout bounds the wall-clock processing of one file.
	FileTimeout Duration `json:"file_timeout" optional:"true"`

	// HashSensitive hashes the patient identifier before persisting
	// ("ingestion.security.hashSensitive"). Applies to submissions only.
	HashSensitive bool `json:"hash_sensitive"`

	// AckEnabled enables remote acknowledgement after successful verification.
	AckEnabled bool `json:"ack_enabled"`

	// RefDataAutoInsert inserts unknown reference codes into claims_ref
	// instead of leaving the claim's ref links NULL.
	RefDataAutoInsert bool `json:"refdata_auto_insert"`

	// FailOnXSDError aborts persistence of a file on schema violation instead
	// of recording the problem and continuing best-effort.
	FailOnXSDError bool `json:"fail_on_xsd_error"`

	// MaxAttachmentBytes is the size over which inline FILE observations are
	// recorded as warnings. Default 10 MiB.
	MaxAttachmentBytes int64 `json:"max_attachment_bytes" optional:"true"`

	// AdminPort serves /healthz, /metrics and the pause/resume endpoints,
	// e.g. ":8000".
	AdminPort string `json:"admin_port"`

	LocalFS LocalFSConfig `json:"localfs"`
	DHPO    DHPOConfig    `json:"dhpo"`
	Vault   VaultConfig   `json:"vault"`
}

// LocalFSConfig configures the directory-watching fetcher.
type LocalFSConfig struct {
	// ReadyDir is the watched directory; files become visible via atomic
	// rename into it.
	ReadyDir string `json:"ready_dir" optional:"true"`
	// ArchiveDir receives successfully handed-off files. Defaults to a
	// sibling "archive" directory of ReadyDir.
	ArchiveDir string `json:"archive_dir" optional:"true"`
	// FailedDir receives files that failed hard. Defaults to a sibling
	// "failed" directory of ReadyDir.
	FailedDir string `json:"failed_dir" optional:"true"`
}

// Transport names for the SOAP gateway.
const (
	// TransportHTTP posts SOAP envelopes over plain HTTP(S).
	TransportHTTP = "http"
	// TransportWS is reserved for a WebSocket adapter that has not been
	// built; configs naming it are rejected at startup.
	TransportWS = "ws"
)

// DHPOConfig configures the SOAP fetch coordinator and gateway.
type DHPOConfig struct {
	// Transport selects the SOAP transport adapter: "http" or "ws". Only
	// "http" is implemented. Default "http".
	Transport string `json:"transport" optional:"true"`

	// PollPeriod is the per-facility polling cadence. Default 30m, jittered.
	PollPeriod Duration `json:"poll_period" optional:"true"`
	// PollJitter is the maximum jitter applied to PollPeriod. Default 2m.
	PollJitter Duration `json:"poll_jitter" optional:"true"`
	// UseGetNewTransactions selects GetNewTransactions over
	// SearchTransactions when listing candidate files.
	UseGetNewTransactions bool `json:"use_get_new_transactions"`
	// SearchDaysBack is the trailing window for SearchTransactions.
	SearchDaysBack int `json:"search_days_back" optional:"true"`
	// RetriesOnTransient is the retry budget for the transient result code
	// (-4). Clamped to [0, 5].
	RetriesOnTransient int `json:"retries_on_transient" optional:"true"`
	// StageToDiskThresholdMB: downloads at least this size are staged to disk
	// instead of held in memory.
	StageToDiskThresholdMB int `json:"stage_to_disk_threshold_mb" optional:"true"`
	// StagingDir receives staged downloads.
	StagingDir string `json:"staging_dir" optional:"true"`
	// SOAP12 selects SOAP 1.2 framing instead of 1.1.
	SOAP12 bool `json:"soap12"`
	// ConnectTimeout, ReadTimeout and DownloadTimeout bound the SOAP calls.
	ConnectTimeout  Duration `json:"connect_timeout" optional:"true"`
	ReadTimeout     Duration `json:"read_timeout" optional:"true"`
	DownloadTimeout Duration `json:"download_timeout" optional:"true"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// KeystorePath is the file-backed keystore holding wrap keys by version.
	KeystorePath string `json:"keystore_path" optional:"true"`
	// StorePass unlocks the keystore.
	StorePass string `json:"store_pass" optional:"true"`
	// CacheTTL bounds how long decrypted credentials stay in memory.
	// Default 5m, never raised above it.
	CacheTTL Duration `json:"cache_ttl" optional:"true"`
}

// Defaults mirrored from the deployment configs.
const (
	DefaultPollPeriod          = 500 * time.Millisecond
	DefaultQueueCapacity       = 1024
	DefaultQueuePauseHighPct   = 75
	DefaultQueueResumeLowPct   = 50
	DefaultBatchSize           = 1000
	DefaultTxPerChunkThreshold = 500
	DefaultTxChunkClaims       = 100
	DefaultFileTimeout         = 5 * time.Minute
	DefaultMaxAttachmentBytes  = int64(10 * 1024 * 1024)
	DefaultDHPOPollPeriod      = 30 * time.Minute
	DefaultDHPOPollJitter      = 2 * time.Minute
	DefaultSearchDaysBack      = 7
	DefaultRetriesOnTransient  = 3
	MaxRetriesOnTransient      = 5
	DefaultVaultCacheTTL       = 5 * time.Minute
)

// ApplyDefaults fills in unset optional fields.
func (c *IngestionConfig) ApplyDefaults() {
	if c.PollPeriod.Duration == 0 {
		c.PollPeriod.Duration = DefaultPollPeriod
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.QueuePauseHighPct == 0 {
		c.QueuePauseHighPct = DefaultQueuePauseHighPct
	}
	if c.QueueResumeLowPct == 0 {
		c.QueueResumeLowPct = DefaultQueueResumeLowPct
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TxPerChunkThreshold == 0 {
		c.TxPerChunkThreshold = DefaultTxPerChunkThreshold
	}
	if c.TxChunkClaims == 0 {
		c.TxChunkClaims = DefaultTxChunkClaims
	}
	if c.DHPO.Transport == "" {
		c.DHPO.Transport = TransportHTTP
	}
	if c.FileTimeout.Duration == 0 {
		c.FileTimeout.Duration = DefaultFileTimeout
	}
	if c.MaxAttachmentBytes == 0 {
		c.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if c.DHPO.PollPeriod.Duration == 0 {
		c.DHPO.PollPeriod.Duration = DefaultDHPOPollPeriod
	}
	if c.DHPO.PollJitter.Duration == 0 {
		c.DHPO.PollJitter.Duration = DefaultDHPOPollJitter
	}
	if c.DHPO.SearchDaysBack == 0 {
		c.DHPO.SearchDaysBack = DefaultSearchDaysBack
	}
	if c.DHPO.RetriesOnTransient == 0 {
		c.DHPO.RetriesOnTransient = DefaultRetriesOnTransient
	}
	if c.DHPO.RetriesOnTransient > MaxRetriesOnTransient {
		c.DHPO.RetriesOnTransient = MaxRetriesOnTransient
	}
	if c.Vault.CacheTTL.Duration == 0 || c.Vault.CacheTTL.Duration > DefaultVaultCacheTTL {
		c.Vault.CacheTTL.Duration = DefaultVaultCacheTTL
	}
}

// Validate rejects values that ApplyDefaults cannot repair. Call it after
// ApplyDefaults.
func (c *IngestionConfig) Validate() error {
	switch c.DHPO.Transport {
	case TransportHTTP:
	case TransportWS:
		return skerr.Fmt("dhpo.transport %q is recognized but no WebSocket adapter is built; use %q", TransportWS, TransportHTTP)
	default:
		return skerr.Fmt("unknown dhpo.transport %q; expected %q or %q", c.DHPO.Transport, TransportHTTP, TransportWS)
	}
	if c.QueuePauseHighPct < 1 || c.QueuePauseHighPct > 100 {
		return skerr.Fmt("queue_pause_high_pct must be in [1, 100], got %d", c.QueuePauseHighPct)
	}
	if c.QueueResumeLowPct < 0 || c.QueueResumeLowPct >= c.QueuePauseHighPct {
		return skerr.Fmt("queue_resume_low_pct must be below queue_pause_high_pct, got %d", c.QueueResumeLowPct)
	}
	return nil
}

// LoadFromJSON5 reads the contents of path and tries to decode the JSON5
// there into the provided struct. The passed in struct pointer is expected to
// have "json" struct tags for all fields. An error will be returned if any
// non-struct, non-bool field is its zero value *unless* it is tagged with
// `optional:"true"`.
func LoadFromJSON5(dst interface{}, path string) error {
	rType := reflect.TypeOf(dst).Elem()
	if rType.Kind() != reflect.Struct {
		return skerr.Fmt("Input must be a pointer to a struct, got %T", dst)
	}
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json5.NewDecoder(r).Decode(&dst)
	})
	if err != nil {
		return skerr.Wrapf(err, "reading config at %s", path)
	}
	rValue := reflect.Indirect(reflect.ValueOf(dst))
	return checkRequired(rValue)
}

// checkRequired returns an error if any non-struct, non-bool fields of the
// given value have a zero value *unless* they have an optional tag with value
// true.
func checkRequired(rValue reflect.Value) error {
	rType := rValue.Type()
	for i := 0; i < rValue.NumField(); i++ {
		field := rType.Field(i)
		isOptional := field.Tag.Get("optional")
		if isOptional == "true" {
			continue
		}
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(Duration{}) {
			if err := checkRequired(rValue.Field(i)); err != nil {
				return err
			}
			continue
		}
		if field.Type.Kind() == reflect.Bool {
			// For ease of use, booleans aren't compared against their zero
			// value, since that would effectively make them required to be
			// true always.
			continue
		}
		isJSON := field.Tag.Get("json")
		if isJSON == "" {
			continue
		}
		// defaults to being required
		if rValue.Field(i).IsZero() {
			return skerr.Fmt("Required %s to be non-zero", field.Name)
		}
	}
	return nil
}
