package keys

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"
	"go.mau.fi/lmhub/roomversion"
)

const testSeed = "YJDBA9Xnr2sVqXD9Vj7XVUnmFZcZrlw8Md7kMW+3XA1"

func decodeObject(t *testing.T, data string) map[string]any {
	t.Helper()
	val, err := canonicaljson.Decode([]byte(data))
	require.NoError(t, err)
	obj, ok := val.(map[string]any)
	require.True(t, ok)
	return obj
}

func testIdentity(t *testing.T, serverName string) *ServerIdentity {
	t.Helper()
	si, err := NewIdentityFromSeed(serverName, DefaultKeyID, testSeed)
	require.NoError(t, err)
	return si
}

func TestSignJSONVectors(t *testing.T) {
	si := testIdentity(t, "domain")
	assert.Equal(t, id.KeyID("ed25519:1"), si.KeyID())

	testCases := []struct {
		name      string
		input     string
		signature string
	}{
		{"Empty", `{}`, "K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ"},
		{"Simple", `{"one":1,"two":"Two"}`, "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := decodeObject(t, tc.input)
			signed, err := si.SignJSON(input)
			require.NoError(t, err)
			sig, ok := getSignature(signed, "domain", "ed25519:1")
			require.True(t, ok)
			assert.Equal(t, tc.signature, sig)
			for key, val := range input {
				assert.Equal(t, val, signed[key])
			}
			_, hasSigs := input["signatures"]
			assert.False(t, hasSigs, "input must not be modified")
		})
	}
}

func TestSignJSONKeepsExistingSignaturesAndUnsigned(t *testing.T) {
	si := testIdentity(t, "domain")
	input := decodeObject(t, `{"a":1,"signatures":{"other":{"ed25519:x":"abc"}},"unsigned":{"age":5}}`)
	signed, err := si.SignJSON(input)
	require.NoError(t, err)
	sig, ok := getSignature(signed, "other", "ed25519:x")
	assert.True(t, ok)
	assert.Equal(t, "abc", sig)
	assert.Equal(t, input["unsigned"], signed["unsigned"])
	require.NoError(t, ValidateSignature(signed, "domain", si.KeyID(), si.PublicKey()))

	// Unsigned data is not covered by the signature.
	signed["unsigned"] = map[string]any{"age": json.Number("10")}
	assert.NoError(t, ValidateSignature(signed, "domain", si.KeyID(), si.PublicKey()))
}

func TestValidateSignatureVector(t *testing.T) {
	obj := decodeObject(t, `{
		"old_verify_keys": {},
		"server_name": "localhost",
		"signatures": {
			"localhost": {
				"ed25519:a_nZvP": "CbY2mXwsGodsukBEKKNpEfPYvSjRGQBT4mRTMjhhncHMS3j2smJ3k7iDUozptKEcmj+5/OUs8W6bkDVkxSuEAg"
			}
		},
		"valid_until_ts": 1680137146829,
		"verify_keys": {"ed25519:a_nZvP": {"key": "yQu5j901mUG/Osohy9xFiyWXqX9lr4MgqCr8lLrfxlY"}}
	}`)
	assert.NoError(t, ValidateSignature(obj, "localhost", "ed25519:a_nZvP", "yQu5j901mUG/Osohy9xFiyWXqX9lr4MgqCr8lLrfxlY"))

	obj["valid_until_ts"] = json.Number("1680137146830")
	assert.ErrorIs(t, ValidateSignature(obj, "localhost", "ed25519:a_nZvP", "yQu5j901mUG/Osohy9xFiyWXqX9lr4MgqCr8lLrfxlY"), ErrInvalidSignature)
	assert.ErrorIs(t, ValidateSignature(obj, "localhost", "ed25519:other", "yQu5j901mUG/Osohy9xFiyWXqX9lr4MgqCr8lLrfxlY"), roomversion.ErrMissingSignature)
}

func TestSignatureDetectsTampering(t *testing.T) {
	si := testIdentity(t, "domain")
	signed, err := si.SignJSON(map[string]any{"body": "hello", "n": 5})
	require.NoError(t, err)
	require.NoError(t, ValidateSignature(signed, "domain", si.KeyID(), si.PublicKey()))

	signed["body"] = "hellp"
	assert.ErrorIs(t, ValidateSignature(signed, "domain", si.KeyID(), si.PublicKey()), ErrInvalidSignature)
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")
	key, generated, err := LoadOrGenerateKeyFile(path, "abc")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Equal(t, id.KeyID("ed25519:abc"), key.ID)

	loaded, generated, err := LoadOrGenerateKeyFile(path, "ignored")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, key.ID, loaded.ID)
	assert.Equal(t, key.Pub, loaded.Pub)
	assert.Equal(t, key.Priv, loaded.Priv)
}

func TestLoadSynapseKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")
	require.NoError(t, os.WriteFile(path, []byte("ed25519 1 "+testSeed+"\n"), 0600))
	key, generated, err := LoadOrGenerateKeyFile(path, "ignored")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, id.KeyID("ed25519:1"), key.ID)
	assert.Equal(t, testIdentity(t, "domain").PublicKey(), key.Pub)
	assert.Equal(t, "ed25519 1 "+testSeed, strings.TrimSpace(key.SynapseString()))

	for name, data := range map[string]string{
		"WrongAlgorithm": "curve25519 1 " + testSeed,
		"MissingSeed":    "ed25519 1",
		"ShortSeed":      "ed25519 1 YWJj",
	} {
		t.Run(name, func(t *testing.T) {
			badPath := filepath.Join(dir, name+".key")
			require.NoError(t, os.WriteFile(badPath, []byte(data), 0600))
			_, _, err := LoadOrGenerateKeyFile(badPath, "")
			assert.Error(t, err)
		})
	}
}

func TestSelfKeysVerify(t *testing.T) {
	si := testIdentity(t, "domain")
	obj, err := si.SelfKeys()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, obj["old_verify_keys"])
	data, err := json.Marshal(obj)
	require.NoError(t, err)

	var resp federation.ServerKeyResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "domain", resp.ServerName)
	assert.Equal(t, si.PublicKey(), resp.VerifyKeys[si.KeyID()].Key)
	assert.WithinDuration(t, time.Now().Add(SelfKeysValidity), resp.ValidUntilTS.Time, time.Minute)
	assert.NoError(t, VerifySelfSignature(&resp))

	resp.Raw = nil
	assert.Error(t, VerifySelfSignature(&resp))
}

type fakeFetcher struct {
	responses map[string]func() ([]byte, error)
	calls     atomic.Int32
}

func (ff *fakeFetcher) GetSigningKeys(_ context.Context, serverName string) (*federation.ServerKeyResponse, error) {
	ff.calls.Add(1)
	fn, ok := ff.responses[serverName]
	if !ok {
		return nil, errors.New("unknown server")
	}
	data, err := fn()
	if err != nil {
		return nil, err
	}
	var keys federation.ServerKeyResponse
	err = json.Unmarshal(data, &keys)
	return &keys, err
}

func selfKeysResponse(t *testing.T, si *ServerIdentity) func() ([]byte, error) {
	return func() ([]byte, error) {
		resp, err := si.SelfKeys()
		require.NoError(t, err)
		return json.Marshal(resp)
	}
}

func TestKeyStoreValidateDomainSignature(t *testing.T) {
	remote, err := NewIdentityFromSeed("remote.example", "r1", "YW5vdGhlciB0ZXN0IHNlZWQgb2YgMzIgYnl0ZXMuLiE")
	require.NoError(t, err)
	fetcher := &fakeFetcher{responses: map[string]func() ([]byte, error){
		"remote.example": selfKeysResponse(t, remote),
	}}
	ks := NewKeyStore(testIdentity(t, "local.example"), fetcher, 10, time.Hour)
	ctx := context.Background()

	signed, err := remote.SignJSON(map[string]any{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, ks.ValidateDomainSignature(ctx, signed, "remote.example"))
	require.NoError(t, ks.ValidateDomainSignature(ctx, signed, "remote.example"))
	assert.EqualValues(t, 1, fetcher.calls.Load(), "keys should be cached")

	assert.ErrorIs(t, ks.ValidateDomainSignature(ctx, signed, "other.example"), roomversion.ErrMissingSignature)

	signed["hello"] = "mars"
	assert.ErrorIs(t, ks.ValidateDomainSignature(ctx, signed, "remote.example"), ErrInvalidSignature)
}

func TestKeyStoreSelfShortCircuit(t *testing.T) {
	self := testIdentity(t, "local.example")
	fetcher := &fakeFetcher{}
	ks := NewKeyStore(self, fetcher, 10, time.Hour)
	signed, err := self.SignJSON(map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.NoError(t, ks.ValidateDomainSignature(context.Background(), signed, "local.example"))
	assert.EqualValues(t, 0, fetcher.calls.Load())
}

func TestKeyStoreRejectsBadResponses(t *testing.T) {
	remote, err := NewIdentityFromSeed("remote.example", "r1", testSeed)
	require.NoError(t, err)
	impostor, err := NewIdentityFromSeed("impostor.example", "r1", testSeed)
	require.NoError(t, err)
	other, err := NewIdentityFromSeed("remote.example", "r1", "YW5vdGhlciB0ZXN0IHNlZWQgb2YgMzIgYnl0ZXMuLiE")
	require.NoError(t, err)

	fetcher := &fakeFetcher{responses: map[string]func() ([]byte, error){
		"mismatch.example": selfKeysResponse(t, impostor),
		"badsig.example": func() ([]byte, error) {
			resp, err := remote.SelfKeys()
			require.NoError(t, err)
			// Swap the published key so the self-signature no longer matches.
			resp["verify_keys"] = map[string]any{"ed25519:r1": map[string]any{"key": string(other.PublicKey())}}
			resp["server_name"] = "badsig.example"
			return json.Marshal(resp)
		},
	}}
	ks := NewKeyStore(nil, fetcher, 10, time.Hour)
	ctx := context.Background()

	_, err = ks.GetServerKeys(ctx, "mismatch.example")
	var kfe *roomversion.KeyFetchError
	require.ErrorAs(t, err, &kfe)
	assert.Equal(t, "mismatch.example", kfe.ServerName)

	_, err = ks.GetServerKeys(ctx, "badsig.example")
	require.ErrorAs(t, err, &kfe)

	_, err = ks.GetServerKeys(ctx, "missing.example")
	require.ErrorAs(t, err, &kfe)
}

func TestKeyStoreCacheLifetimeIsClamped(t *testing.T) {
	remote := testIdentity(t, "remote.example")
	fetcher := &fakeFetcher{responses: map[string]func() ([]byte, error){
		"remote.example": selfKeysResponse(t, remote),
	}}
	ks := NewKeyStore(nil, fetcher, 10, time.Minute)
	_, err := ks.GetServerKeys(context.Background(), "remote.example")
	require.NoError(t, err)
	cached, ok := ks.cache.Get("remote.example")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), cached.expires, 5*time.Second)
}
