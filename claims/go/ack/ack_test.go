package ack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.sahl.health/claims/claims/go/dhpo"
	"go.sahl.health/claims/claims/go/vault"
	"go.sahl.health/claims/go/skerr"
)

type fakeGateway struct {
	code    dhpo.ResultCode
	err     error
	ackedID string
}

func (g *fakeGateway) GetNewTransactions(context.Context, string, string, string) (dhpo.ResultCode, []dhpo.TransactionFile, error) {
	return dhpo.CodeNoNewData, nil, nil
}

func (g *fakeGateway) SearchTransactions(context.Context, string, string, string, dhpo.SearchQuery) (dhpo.ResultCode, []dhpo.TransactionFile, error) {
	return dhpo.CodeNoNewData, nil, nil
}

func (g *fakeGateway) DownloadTransactionFile(context.Context, string, string, string, string) (dhpo.ResultCode, string, []byte, error) {
	return dhpo.CodeOK, "", nil, nil
}

func (g *fakeGateway) SetTransactionDownloaded(_ context.Context, _, _, _, fileID string) (dhpo.ResultCode, error) {
	g.ackedID = fileID
	return g.code, g.err
}

type fakeRegistry struct {
	entries   map[string]string
	forgotten []string
}

func (r *fakeRegistry) Lookup(fileID string) (string, bool) {
	f, ok := r.entries[fileID]
	return f, ok
}

func (r *fakeRegistry) Forget(fileID string) {
	r.forgotten = append(r.forgotten, fileID)
}

type fixedEndpoint string

func (e fixedEndpoint) Endpoint(context.Context, string) (string, error) {
	return string(e), nil
}

type fixedCreds struct{ err error }

func (c fixedCreds) Decrypt(context.Context, string) (vault.Credentials, error) {
	if c.err != nil {
		return vault.Credentials{}, c.err
	}
	return vault.Credentials{Login: "u", Password: "p"}, nil
}

func TestSOAPAcker_Success(t *testing.T) {
	gw := &fakeGateway{code: dhpo.CodeOK}
	reg := &fakeRegistry{entries: map[string]string{"F1": "FAC-1"}}
	a := NewSOAPAcker(gw, reg, fixedEndpoint("https://dhpo.example"), fixedCreds{})

	assert.True(t, a.Ack(context.Background(), "F1"))
	assert.Equal(t, "F1", gw.ackedID)
	assert.Equal(t, []string{"F1"}, reg.forgotten)
}

func TestSOAPAcker_UnknownFileSkips(t *testing.T) {
	gw := &fakeGateway{code: dhpo.CodeOK}
	reg := &fakeRegistry{entries: map[string]string{}}
	a := NewSOAPAcker(gw, reg, fixedEndpoint("https://dhpo.example"), fixedCreds{})

	assert.False(t, a.Ack(context.Background(), "F1"))
	assert.Empty(t, gw.ackedID)
	assert.Empty(t, reg.forgotten)
}

func TestSOAPAcker_RemoteFailureKeepsRegistryEntry(t *testing.T) {
	gw := &fakeGateway{code: dhpo.CodeTransient}
	reg := &fakeRegistry{entries: map[string]string{"F1": "FAC-1"}}
	a := NewSOAPAcker(gw, reg, fixedEndpoint("https://dhpo.example"), fixedCreds{})

	assert.False(t, a.Ack(context.Background(), "F1"))
	assert.Empty(t, reg.forgotten)
}

func TestSOAPAcker_CredentialFailure(t *testing.T) {
	gw := &fakeGateway{code: dhpo.CodeOK}
	reg := &fakeRegistry{entries: map[string]string{"F1": "FAC-1"}}
	a := NewSOAPAcker(gw, reg, fixedEndpoint("https://dhpo.example"), fixedCreds{err: skerr.Fmt("no key")})

	assert.False(t, a.Ack(context.Background(), "F1"))
	assert.Empty(t, gw.ackedID)
	assert.Empty(t, reg.forgotten)
}

func TestNoopAcker(t *testing.T) {
	assert.True(t, NoopAcker{}.Ack(context.Background(), "F1"))
}
