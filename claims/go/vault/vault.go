// Package vault decrypts per-facility DHPO credentials and re-wraps them when
// the wrap key rotates. Ciphertexts are stored as self-describing AES-GCM
// envelopes next to the facility row.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/sklog"
)

// ErrCredential wraps every credential failure: keystore unavailable,
// ciphertext corrupt, or GCM tag mismatch. A facility whose decrypt fails with
// it must be skipped until an operator intervenes.
var ErrCredential = errors.New("credential error")

const (
	// EnvelopeAlg is the only algorithm the vault reads or writes.
	EnvelopeAlg = "AES/GCM"

	gcmNonceSize = 12
	gcmTagBits   = 128

	cacheSize = 256
)

// Envelope is the self-describing ciphertext stored with a facility row.
type Envelope struct {
	KekVersion int    `json:"kek_version"`
	Alg        string `json:"alg"`
	IV         string `json:"iv"`
	TagBits    int    `json:"tagBits"`
	Ciphertext string `json:"ct"`
}

// Credentials is a decrypted login pair.
type Credentials struct {
	Login    string
	Password string
}

// FacilityCredRow is one facility's stored credential material. Both the
// login and the password are kept as sealed envelopes; nothing readable
// leaves the row until the vault opens it.
type FacilityCredRow struct {
	FacilityCode     string
	LoginEnvelope    Envelope
	PasswordEnvelope Envelope
}

// Stale reports whether either envelope is wrapped under a version older
// than current.
func (r FacilityCredRow) Stale(currentVersion int) bool {
	return r.LoginEnvelope.KekVersion < currentVersion || r.PasswordEnvelope.KekVersion < currentVersion
}

// Store abstracts the credential rows. The SQL implementation lives in
// sqlstore.go; tests use an in-memory fake.
type Store interface {
	// GetCredential returns the row for the given facility.
	GetCredential(ctx context.Context, facilityCode string) (FacilityCredRow, error)
	// ListStale returns every row with an envelope wrapped under a version
	// older than current.
	ListStale(ctx context.Context, currentVersion int) ([]FacilityCredRow, error)
	// UpdateEnvelopes replaces both envelopes of the given facility if the
	// stored versions still match the old ones. Returns false when the row
	// moved on.
	UpdateEnvelopes(ctx context.Context, facilityCode string, oldLoginVersion, oldPwdVersion int, login, pwd Envelope) (bool, error)
}

type cacheEntry struct {
	creds   Credentials
	expires time.Time
}

// Vault decrypts credentials on demand, with a small TTL-bounded cache so the
// SOAP coordinator does not hit the database on every poll tick.
type Vault struct {
	keystore *Keystore
	store    Store
	cacheTTL time.Duration
	cache    *lru.Cache

	hits      metrics2.Counter
	misses    metrics2.Counter
	failures  metrics2.Counter
	rewrapped metrics2.Counter
}

// New returns a Vault over the given keystore and credential store.
func New(keystore *Keystore, store Store, cacheTTL time.Duration) (*Vault, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Vault{
		keystore: keystore,
		store:    store,
		cacheTTL: cacheTTL,
		cache:    cache,

		hits:      metrics2.GetCounter("claims_vault_cache_hits"),
		misses:    metrics2.GetCounter("claims_vault_cache_misses"),
		failures:  metrics2.GetCounter("claims_vault_decrypt_failures"),
		rewrapped: metrics2.GetCounter("claims_vault_rewrapped"),
	}, nil
}

// Decrypt returns the plaintext credentials for the given facility. Failures
// wrap ErrCredential.
func (v *Vault) Decrypt(ctx context.Context, facilityCode string) (Credentials, error) {
	if e, ok := v.cache.Get(facilityCode); ok {
		entry := e.(cacheEntry)
		if time.Now().Before(entry.expires) {
			v.hits.Inc(1)
			return entry.creds, nil
		}
		v.cache.Remove(facilityCode)
	}
	v.misses.Inc(1)

	row, err := v.store.GetCredential(ctx, facilityCode)
	if err != nil {
		v.failures.Inc(1)
		return Credentials{}, skerr.Wrapf(ErrCredential, "loading credential row for facility %s: %s", facilityCode, err)
	}
	login, err := v.open(row.LoginEnvelope)
	if err != nil {
		v.failures.Inc(1)
		return Credentials{}, skerr.Wrapf(ErrCredential, "decrypting login for facility %s: %s", facilityCode, err)
	}
	password, err := v.open(row.PasswordEnvelope)
	if err != nil {
		v.failures.Inc(1)
		return Credentials{}, skerr.Wrapf(ErrCredential, "decrypting password for facility %s: %s", facilityCode, err)
	}
	creds := Credentials{Login: login, Password: password}
	v.cache.Add(facilityCode, cacheEntry{creds: creds, expires: time.Now().Add(v.cacheTTL)})
	return creds, nil
}

// Seal encrypts the given plaintext under the current wrap key. Used when
// provisioning facilities and during re-wrap.
func (v *Vault) Seal(plaintext string) (Envelope, error) {
	version := v.keystore.CurrentVersion()
	key, err := v.keystore.Key(version)
	if err != nil {
		return Envelope{}, skerr.Wrap(err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, skerr.Wrap(err)
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, skerr.Wrap(err)
	}
	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return Envelope{
		KekVersion: version,
		Alg:        EnvelopeAlg,
		IV:         base64.StdEncoding.EncodeToString(iv),
		TagBits:    gcmTagBits,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// ReencryptAllIfNeeded re-wraps every facility whose envelope is under a
// stale key version, one row at a time. Returns how many rows were updated.
// Safe to run while decrypts are in flight.
func (v *Vault) ReencryptAllIfNeeded(ctx context.Context) (int, error) {
	current := v.keystore.CurrentVersion()
	stale, err := v.store.ListStale(ctx, current)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	count := 0
	for _, row := range stale {
		login, err := v.open(row.LoginEnvelope)
		if err != nil {
			sklog.Errorf("Re-wrap: cannot decrypt login of facility %s under version %d, skipping: %s", row.FacilityCode, row.LoginEnvelope.KekVersion, err)
			continue
		}
		password, err := v.open(row.PasswordEnvelope)
		if err != nil {
			sklog.Errorf("Re-wrap: cannot decrypt password of facility %s under version %d, skipping: %s", row.FacilityCode, row.PasswordEnvelope.KekVersion, err)
			continue
		}
		loginEnv, err := v.Seal(login)
		if err != nil {
			return count, skerr.Wrap(err)
		}
		pwdEnv, err := v.Seal(password)
		if err != nil {
			return count, skerr.Wrap(err)
		}
		updated, err := v.store.UpdateEnvelopes(ctx, row.FacilityCode, row.LoginEnvelope.KekVersion, row.PasswordEnvelope.KekVersion, loginEnv, pwdEnv)
		if err != nil {
			return count, skerr.Wrapf(err, "updating envelopes for facility %s", row.FacilityCode)
		}
		if updated {
			v.cache.Remove(row.FacilityCode)
			v.rewrapped.Inc(1)
			count++
		}
	}
	if count > 0 {
		sklog.Infof("Re-wrapped %d facility credentials to key version %d", count, current)
	}
	return count, nil
}

func (v *Vault) open(env Envelope) (string, error) {
	if env.Alg != EnvelopeAlg {
		return "", skerr.Fmt("unsupported envelope algorithm %q", env.Alg)
	}
	if env.TagBits != gcmTagBits {
		return "", skerr.Fmt("unsupported GCM tag length %d", env.TagBits)
	}
	key, err := v.keystore.Key(env.KekVersion)
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", skerr.Wrapf(err, "decoding IV")
	}
	if len(iv) != gcmNonceSize {
		return "", skerr.Fmt("IV has %d bytes, want %d", len(iv), gcmNonceSize)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", skerr.Wrapf(err, "decoding ciphertext")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		// Includes GCM tag mismatch.
		return "", skerr.Wrapf(err, "opening envelope")
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return gcm, nil
}
