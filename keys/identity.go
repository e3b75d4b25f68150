// Package keys manages this server's signing identity and the verify keys of remote servers.
package keys

import (
	"crypto/ed25519"
	"fmt"
	"maps"

	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"
	"go.mau.fi/lmhub/pdu"
	"go.mau.fi/lmhub/roomversion"
	"go.mau.fi/lmhub/util"
)

const DefaultKeyID = "1"

// ServerIdentity is the name and signing key of a server. It is passed explicitly to everything that
// signs, so multiple identities can coexist in one process.
type ServerIdentity struct {
	ServerName string
	Key        *federation.SigningKey
}

func NewServerIdentity(serverName string, key *federation.SigningKey) *ServerIdentity {
	return &ServerIdentity{ServerName: serverName, Key: key}
}

// NewIdentityFromSeed builds an identity from an unpadded base64 ed25519 seed.
func NewIdentityFromSeed(serverName, keyID, b64Seed string) (*ServerIdentity, error) {
	key, err := parseSynapseKey(fmt.Sprintf("%s %s %s", id.KeyAlgorithmEd25519, keyID, b64Seed))
	if err != nil {
		return nil, err
	}
	return NewServerIdentity(serverName, key), nil
}

func (si *ServerIdentity) KeyID() id.KeyID {
	return si.Key.ID
}

func (si *ServerIdentity) PublicKey() id.SigningKey {
	return si.Key.Pub
}

// Sign signs raw bytes and returns the unpadded base64 signature.
func (si *ServerIdentity) Sign(data []byte) string {
	return util.EncodeBase64(ed25519.Sign(si.Key.Priv, data))
}

// SignJSON signs the canonical form of an object excluding its signatures and unsigned fields. The
// returned copy keeps any existing signatures and gains one from this server.
func (si *ServerIdentity) SignJSON(obj map[string]any) (map[string]any, error) {
	clone := maps.Clone(obj)
	existingSigs := clone["signatures"]
	unsigned, hasUnsigned := clone["unsigned"]
	delete(clone, "signatures")
	delete(clone, "unsigned")
	canonical, err := canonicaljson.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize object: %w", err)
	}
	signature := si.Sign(canonical)

	sigs := make(map[string]any)
	if existing, ok := existingSigs.(map[string]any); ok {
		for server, keys := range existing {
			if keyMap, ok := keys.(map[string]any); ok {
				sigs[server] = maps.Clone(keyMap)
			} else {
				sigs[server] = keys
			}
		}
	}
	serverSigs, _ := sigs[si.ServerName].(map[string]any)
	if serverSigs == nil {
		serverSigs = make(map[string]any)
	}
	serverSigs[string(si.KeyID())] = signature
	sigs[si.ServerName] = serverSigs
	clone["signatures"] = sigs
	if hasUnsigned {
		clone["unsigned"] = unsigned
	}
	return clone, nil
}

// SignEvent signs the redacted form of the event and adds the signature to the event.
func (si *ServerIdentity) SignEvent(rv roomversion.RoomVersion, evt *pdu.Event) error {
	redacted, err := rv.Redact(evt)
	if err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	delete(redacted, "signatures")
	canonical, err := canonicaljson.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("failed to canonicalize redacted event: %w", err)
	}
	evt.Signatures = evt.Signatures.Merge(pdu.Signatures{
		si.ServerName: {si.KeyID(): si.Sign(canonical)},
	})
	return nil
}
