// Package schema holds the database schema of the claims ingestion engine
// and the enum codes shared between SQL and Go.
package schema

// RootKind is the stored document type of an ingestion file.
type RootKind int16

const (
	RootSubmission = RootKind(1)
	RootRemittance = RootKind(2)
)

// EventType codes the claim event chronology.
type EventType int16

const (
	EventSubmission   = EventType(1)
	EventResubmission = EventType(2)
	EventRemittance   = EventType(3)
)

// ClaimStatus codes the derived status timeline.
type ClaimStatus int16

const (
	StatusSubmitted     = ClaimStatus(1)
	StatusResubmitted   = ClaimStatus(2)
	StatusPaid          = ClaimStatus(3)
	StatusPartiallyPaid = ClaimStatus(4)
	StatusRejected      = ClaimStatus(5)
	StatusUnknown       = ClaimStatus(6)
)

// String returns the audit-facing name of the status.
func (s ClaimStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusResubmitted:
		return "RESUBMITTED"
	case StatusPaid:
		return "PAID"
	case StatusPartiallyPaid:
		return "PARTIALLY_PAID"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Schema is the DDL for both the operational and the reference schema. It is
// idempotent; production migrations run out of band, local development and
// tests apply it on startup.
const Schema = `
CREATE SCHEMA IF NOT EXISTS claims;
CREATE SCHEMA IF NOT EXISTS claims_ref;

CREATE TABLE IF NOT EXISTS claims_ref.facility (
  facility_code TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  endpoint_url TEXT NOT NULL DEFAULT '',
  login_envelope JSONB,
  password_envelope JSONB,
  active BOOL NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS claims_ref.payer (
  id BIGSERIAL PRIMARY KEY,
  code TEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claims_ref.provider (
  id BIGSERIAL PRIMARY KEY,
  code TEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claims_ref.clinician (
  id BIGSERIAL PRIMARY KEY,
  code TEXT UNIQUE NOT NULL,
  display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS claims.ingestion_file (
  id BIGSERIAL PRIMARY KEY,
  file_id TEXT UNIQUE NOT NULL,
  root_kind SMALLINT NOT NULL,
  sender_id TEXT,
  receiver_id TEXT,
  transaction_date TIMESTAMPTZ,
  record_count INT,
  disposition_flag TEXT,
  raw_xml BYTEA,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS claims.claim_key (
  id BIGSERIAL PRIMARY KEY,
  claim_id TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS claims.submission (
  id BIGSERIAL PRIMARY KEY,
  ingestion_file_id BIGINT UNIQUE NOT NULL REFERENCES claims.ingestion_file (id)
);

CREATE TABLE IF NOT EXISTS claims.remittance (
  id BIGSERIAL PRIMARY KEY,
  ingestion_file_id BIGINT UNIQUE NOT NULL REFERENCES claims.ingestion_file (id)
);

CREATE TABLE IF NOT EXISTS claims.claim (
  id BIGSERIAL PRIMARY KEY,
  claim_key_id BIGINT UNIQUE NOT NULL REFERENCES claims.claim_key (id),
  ingestion_file_id BIGINT NOT NULL REFERENCES claims.ingestion_file (id),
  submission_id BIGINT NOT NULL REFERENCES claims.submission (id),
  id_payer TEXT,
  member_id TEXT,
  payer_id TEXT NOT NULL,
  provider_id TEXT NOT NULL,
  emirates_id TEXT,
  gross NUMERIC(14,2) NOT NULL,
  patient_share NUMERIC(14,2) NOT NULL,
  net NUMERIC(14,2) NOT NULL,
  comments TEXT,
  payer_ref_id BIGINT REFERENCES claims_ref.payer (id),
  provider_ref_id BIGINT REFERENCES claims_ref.provider (id)
);

CREATE TABLE IF NOT EXISTS claims.encounter (
  id BIGSERIAL PRIMARY KEY,
  claim_id BIGINT UNIQUE NOT NULL REFERENCES claims.claim (id),
  facility_id TEXT,
  encounter_type TEXT,
  patient_id TEXT,
  start_at TIMESTAMPTZ,
  end_at TIMESTAMPTZ,
  start_type TEXT,
  end_type TEXT,
  transfer_source TEXT,
  transfer_destination TEXT
);

CREATE TABLE IF NOT EXISTS claims.diagnosis (
  id BIGSERIAL PRIMARY KEY,
  claim_id BIGINT NOT NULL REFERENCES claims.claim (id),
  diag_type TEXT,
  code TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claims.activity (
  id BIGSERIAL PRIMARY KEY,
  claim_id BIGINT NOT NULL REFERENCES claims.claim (id),
  activity_id TEXT NOT NULL,
  start_at TIMESTAMPTZ,
  activity_type TEXT,
  code TEXT,
  quantity NUMERIC(14,2),
  net NUMERIC(14,2) NOT NULL,
  clinician TEXT,
  prior_authorization_id TEXT,
  clinician_ref_id BIGINT REFERENCES claims_ref.clinician (id),
  UNIQUE (claim_id, activity_id)
);

CREATE TABLE IF NOT EXISTS claims.observation (
  id BIGSERIAL PRIMARY KEY,
  activity_id BIGINT NOT NULL REFERENCES claims.activity (id),
  obs_type TEXT,
  obs_code TEXT,
  value_text TEXT,
  value_type TEXT,
  value_bytes BYTEA,
  value_hash BYTEA NOT NULL,
  UNIQUE (activity_id, obs_type, obs_code, value_hash)
);

CREATE TABLE IF NOT EXISTS claims.remittance_claim (
  id BIGSERIAL PRIMARY KEY,
  remittance_id BIGINT NOT NULL REFERENCES claims.remittance (id),
  claim_key_id BIGINT NOT NULL REFERENCES claims.claim_key (id),
  ingestion_file_id BIGINT NOT NULL REFERENCES claims.ingestion_file (id),
  id_payer TEXT,
  provider_id TEXT,
  denial_code TEXT,
  payment_reference TEXT,
  date_settlement TIMESTAMPTZ,
  facility_id TEXT,
  UNIQUE (remittance_id, claim_key_id)
);

CREATE TABLE IF NOT EXISTS claims.remittance_activity (
  id BIGSERIAL PRIMARY KEY,
  remittance_claim_id BIGINT NOT NULL REFERENCES claims.remittance_claim (id),
  activity_id TEXT NOT NULL,
  start_at TIMESTAMPTZ,
  activity_type TEXT,
  code TEXT,
  quantity NUMERIC(14,2),
  net NUMERIC(14,2),
  list_price NUMERIC(14,2),
  gross NUMERIC(14,2),
  patient_share NUMERIC(14,2),
  payment_amount NUMERIC(14,2) NOT NULL,
  denial_code TEXT,
  clinician TEXT,
  UNIQUE (remittance_claim_id, activity_id)
);

CREATE TABLE IF NOT EXISTS claims.claim_event (
  id BIGSERIAL PRIMARY KEY,
  claim_key_id BIGINT NOT NULL REFERENCES claims.claim_key (id),
  event_type SMALLINT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  ingestion_file_id BIGINT NOT NULL REFERENCES claims.ingestion_file (id),
  submission_id BIGINT REFERENCES claims.submission (id),
  remittance_id BIGINT REFERENCES claims.remittance (id),
  UNIQUE (claim_key_id, event_type, event_time)
);

CREATE UNIQUE INDEX IF NOT EXISTS claim_event_one_submission
  ON claims.claim_event (claim_key_id) WHERE event_type = 1;

CREATE TABLE IF NOT EXISTS claims.claim_event_activity (
  id BIGSERIAL PRIMARY KEY,
  claim_event_id BIGINT NOT NULL REFERENCES claims.claim_event (id),
  activity_id_at_event TEXT NOT NULL,
  net NUMERIC(14,2),
  list_price NUMERIC(14,2),
  gross NUMERIC(14,2),
  patient_share NUMERIC(14,2),
  payment_amount NUMERIC(14,2),
  denial_code TEXT,
  prior_authorization_id TEXT,
  clinician TEXT,
  UNIQUE (claim_event_id, activity_id_at_event)
);

CREATE TABLE IF NOT EXISTS claims.event_observation (
  id BIGSERIAL PRIMARY KEY,
  claim_event_activity_id BIGINT NOT NULL REFERENCES claims.claim_event_activity (id),
  obs_type TEXT,
  obs_code TEXT,
  value_text TEXT,
  value_bytes BYTEA,
  value_hash BYTEA NOT NULL,
  UNIQUE (claim_event_activity_id, obs_type, obs_code, value_hash)
);

CREATE TABLE IF NOT EXISTS claims.claim_resubmission (
  id BIGSERIAL PRIMARY KEY,
  claim_event_id BIGINT UNIQUE NOT NULL REFERENCES claims.claim_event (id),
  resubmission_type TEXT,
  comment TEXT,
  attachment BYTEA
);

CREATE TABLE IF NOT EXISTS claims.claim_status_timeline (
  id BIGSERIAL PRIMARY KEY,
  claim_key_id BIGINT NOT NULL REFERENCES claims.claim_key (id),
  status SMALLINT NOT NULL,
  status_time TIMESTAMPTZ NOT NULL,
  ingestion_file_id BIGINT REFERENCES claims.ingestion_file (id)
);

CREATE INDEX IF NOT EXISTS claim_status_timeline_by_key
  ON claims.claim_status_timeline (claim_key_id, status_time, id);

CREATE TABLE IF NOT EXISTS claims.ingestion_run (
  id BIGSERIAL PRIMARY KEY,
  started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  ended_at TIMESTAMPTZ,
  files_processed INT NOT NULL DEFAULT 0,
  files_failed INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS claims.ingestion_file_audit (
  id BIGSERIAL PRIMARY KEY,
  run_id BIGINT REFERENCES claims.ingestion_run (id),
  file_id TEXT NOT NULL,
  correlation_id TEXT,
  status TEXT NOT NULL,
  expected_claims INT NOT NULL DEFAULT 0,
  persisted_claims INT NOT NULL DEFAULT 0,
  expected_activities INT NOT NULL DEFAULT 0,
  persisted_activities INT NOT NULL DEFAULT 0,
  verify_status TEXT,
  ack_status TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS claims.ingestion_error (
  id BIGSERIAL PRIMARY KEY,
  file_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  object_type TEXT,
  object_key TEXT,
  code TEXT NOT NULL,
  severity TEXT NOT NULL,
  message TEXT,
  retryable BOOL NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS claims.ingestion_batch_metric (
  id BIGSERIAL PRIMARY KEY,
  file_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  batch_no INT NOT NULL,
  attempted INT NOT NULL,
  inserted INT NOT NULL,
  conflicts_ignored INT NOT NULL,
  duration_ms BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
