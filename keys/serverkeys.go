package keys

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"
)

// VerifySelfSignature checks that a key response is signed by at least one of the verify keys it lists.
// The raw response is re-canonicalized with UTF-16 key ordering, which is what remote servers sign.
func VerifySelfSignature(resp *federation.ServerKeyResponse) error {
	if len(resp.Raw) == 0 {
		return fmt.Errorf("no raw response to verify")
	}
	decoded, err := canonicaljson.Decode(resp.Raw)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return fmt.Errorf("response is not an object")
	}
	var lastErr error
	for keyID, key := range resp.VerifyKeys {
		if _, signed := getSignature(obj, resp.ServerName, keyID); !signed {
			continue
		}
		if lastErr = ValidateSignature(obj, resp.ServerName, keyID, key.Key); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		return fmt.Errorf("response is not signed by any of its verify keys")
	}
	return lastErr
}

// SelfKeysValidity is how long a self-key response claims to be valid for.
const SelfKeysValidity = 2 * time.Hour

// SelfKeys builds and signs this server's key response.
func (si *ServerIdentity) SelfKeys() (map[string]any, error) {
	data, err := json.Marshal(&federation.ServerKeyResponse{
		ServerName: si.ServerName,
		VerifyKeys: map[id.KeyID]federation.ServerVerifyKey{
			si.KeyID(): {Key: si.PublicKey()},
		},
		ValidUntilTS: jsontime.UnixMilli{Time: time.Now().Add(SelfKeysValidity)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key response: %w", err)
	}
	decoded, err := canonicaljson.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key response: %w", err)
	}
	obj := decoded.(map[string]any)
	if _, ok := obj["old_verify_keys"]; !ok {
		obj["old_verify_keys"] = map[string]any{}
	}
	return si.SignJSON(obj)
}
