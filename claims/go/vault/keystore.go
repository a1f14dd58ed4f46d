package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"go.sahl.health/claims/go/skerr"
	"go.sahl.health/claims/go/util"
)

// wrapKeySize is the AES-256 key length.
const wrapKeySize = 32

// Keystore holds the wrap keys by version. It is loaded once at startup from
// a JSON file whose integrity is checked with an HMAC keyed off the store
// passphrase, so a tampered or mis-passworded keystore fails closed.
type Keystore struct {
	currentVersion int
	keys           map[int][]byte
}

type keystoreFile struct {
	CurrentVersion int               `json:"current_version"`
	Keys           map[string]string `json:"keys"`
	MAC            string            `json:"mac"`
}

// LoadKeystore reads and verifies the keystore at the given path.
func LoadKeystore(path, storePass string) (*Keystore, error) {
	var kf keystoreFile
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&kf)
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "reading keystore %s", path)
	}
	mac, err := base64.StdEncoding.DecodeString(kf.MAC)
	if err != nil {
		return nil, skerr.Wrapf(err, "decoding keystore MAC")
	}
	if !hmac.Equal(mac, computeMAC(storePass, kf.CurrentVersion, kf.Keys)) {
		return nil, skerr.Fmt("keystore MAC mismatch; wrong store password or corrupt keystore")
	}
	ks := &Keystore{
		currentVersion: kf.CurrentVersion,
		keys:           map[int][]byte{},
	}
	for vs, ks64 := range kf.Keys {
		v, err := strconv.Atoi(vs)
		if err != nil {
			return nil, skerr.Wrapf(err, "bad key version %q", vs)
		}
		key, err := base64.StdEncoding.DecodeString(ks64)
		if err != nil {
			return nil, skerr.Wrapf(err, "decoding wrap key version %d", v)
		}
		if len(key) != wrapKeySize {
			return nil, skerr.Fmt("wrap key version %d has %d bytes, want %d", v, len(key), wrapKeySize)
		}
		ks.keys[v] = key
	}
	if _, ok := ks.keys[ks.currentVersion]; !ok {
		return nil, skerr.Fmt("keystore current version %d has no key", ks.currentVersion)
	}
	return ks, nil
}

// CurrentVersion returns the key version new ciphertexts are wrapped under.
func (k *Keystore) CurrentVersion() int {
	return k.currentVersion
}

// Key returns the wrap key for the given version.
func (k *Keystore) Key(version int) ([]byte, error) {
	key, ok := k.keys[version]
	if !ok {
		return nil, skerr.Fmt("no wrap key for version %d", version)
	}
	return key, nil
}

func computeMAC(storePass string, currentVersion int, keys map[string]string) []byte {
	h := hmac.New(sha256.New, []byte(storePass))
	_, _ = io.WriteString(h, strconv.Itoa(currentVersion))
	versions := make([]string, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	for _, v := range versions {
		_, _ = io.WriteString(h, v)
		_, _ = io.WriteString(h, keys[v])
	}
	return h.Sum(nil)
}

// MarshalKeystore serializes the given keys with a fresh MAC. Used by
// provisioning tooling and tests.
func MarshalKeystore(storePass string, currentVersion int, keys map[int][]byte) ([]byte, error) {
	kf := keystoreFile{
		CurrentVersion: currentVersion,
		Keys:           map[string]string{},
	}
	for v, key := range keys {
		if len(key) != wrapKeySize {
			return nil, skerr.Fmt("wrap key version %d has %d bytes, want %d", v, len(key), wrapKeySize)
		}
		kf.Keys[strconv.Itoa(v)] = base64.StdEncoding.EncodeToString(key)
	}
	kf.MAC = base64.StdEncoding.EncodeToString(computeMAC(storePass, currentVersion, kf.Keys))
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return b, nil
}
