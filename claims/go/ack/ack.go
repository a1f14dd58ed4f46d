// Package ack acknowledges fully ingested transaction files to the remote
// service so they stop appearing as new. Acking is terminal and remote, so it
// only ever runs after persistence and verification both succeeded; every
// failure here is logged and swallowed, the file simply gets re-offered and
// replays as a no-op.
package ack

import (
	"context"

	"go.sahl.health/claims/claims/go/dhpo"
	"go.sahl.health/claims/claims/go/vault"
	"go.sahl.health/claims/go/metrics2"
	"go.sahl.health/claims/go/sklog"
)

// Acker marks a file as downloaded upstream. Implementations must be safe for
// concurrent use.
type Acker interface {
	// Ack acknowledges the file and reports whether the remote accepted it.
	Ack(ctx context.Context, fileID string) bool
}

// FacilityResolver maps a downloaded file back to the facility it was pulled
// for. The fetcher registry implements this.
type FacilityResolver interface {
	Lookup(fileID string) (string, bool)
	Forget(fileID string)
}

// EndpointResolver yields the DHPO endpoint of a facility.
type EndpointResolver interface {
	Endpoint(ctx context.Context, facilityCode string) (string, error)
}

// CredentialSource is the part of the vault the acker needs.
type CredentialSource interface {
	Decrypt(ctx context.Context, facilityCode string) (vault.Credentials, error)
}

// NoopAcker logs instead of acking. Used for the local directory source and
// for environments where acking is disabled.
type NoopAcker struct{}

// Ack implements Acker.
func (NoopAcker) Ack(_ context.Context, fileID string) bool {
	sklog.Infof("Ack disabled; leaving %s unacknowledged", fileID)
	return true
}

// SOAPAcker acknowledges files through SetTransactionDownloaded.
type SOAPAcker struct {
	gateway   dhpo.Gateway
	registry  FacilityResolver
	endpoints EndpointResolver
	creds     CredentialSource

	acked  metrics2.Counter
	failed metrics2.Counter
}

// NewSOAPAcker returns an Acker over the given gateway.
func NewSOAPAcker(gateway dhpo.Gateway, registry FacilityResolver, endpoints EndpointResolver, creds CredentialSource) *SOAPAcker {
	return &SOAPAcker{
		gateway:   gateway,
		registry:  registry,
		endpoints: endpoints,
		creds:     creds,

		acked:  metrics2.GetCounter("claims_ack_ok"),
		failed: metrics2.GetCounter("claims_ack_failed"),
	}
}

// Ack implements Acker.
func (a *SOAPAcker) Ack(ctx context.Context, fileID string) bool {
	facility, ok := a.registry.Lookup(fileID)
	if !ok {
		// Registry entries are in-memory; after a restart the facility is
		// unknown and the file will be re-offered, replayed and acked then.
		sklog.Warningf("No facility on record for %s; skipping ack", fileID)
		a.failed.Inc(1)
		return false
	}
	endpoint, err := a.endpoints.Endpoint(ctx, facility)
	if err != nil {
		sklog.Errorf("Cannot resolve endpoint of %s to ack %s: %s", facility, fileID, err)
		a.failed.Inc(1)
		return false
	}
	creds, err := a.creds.Decrypt(ctx, facility)
	if err != nil {
		sklog.Errorf("Cannot decrypt credentials of %s to ack %s: %s", facility, fileID, err)
		a.failed.Inc(1)
		return false
	}
	code, err := a.gateway.SetTransactionDownloaded(ctx, endpoint, creds.Login, creds.Password, fileID)
	if err != nil {
		sklog.Errorf("Acking %s for facility %s failed: %s", fileID, facility, err)
		a.failed.Inc(1)
		return false
	}
	if code != dhpo.CodeOK {
		sklog.Warningf("Acking %s for facility %s returned code %d; will retry on re-offer", fileID, facility, code)
		a.failed.Inc(1)
		return false
	}
	a.registry.Forget(fileID)
	a.acked.Inc(1)
	sklog.Infof("Acked %s for facility %s", fileID, facility)
	return true
}
