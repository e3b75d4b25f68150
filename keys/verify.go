package keys

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"maps"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/canonicaljson"
	"go.mau.fi/lmhub/roomversion"
	"go.mau.fi/lmhub/util"
)

var ErrInvalidSignature = errors.New("invalid signature")

// ValidateSignature checks the signature of serverName with keyID on the object against the given
// public key. It returns roomversion.ErrMissingSignature if there's no such signature.
func ValidateSignature(obj map[string]any, serverName string, keyID id.KeyID, publicKey id.SigningKey) error {
	signature, ok := getSignature(obj, serverName, keyID)
	if !ok {
		return fmt.Errorf("%w from %s (%s)", roomversion.ErrMissingSignature, serverName, keyID)
	}
	pubKeyBytes, err := util.DecodeBase64(string(publicKey))
	if err != nil || len(pubKeyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key for %s (%s)", serverName, keyID)
	}
	sigBytes, err := util.DecodeBase64(signature)
	if err != nil {
		return fmt.Errorf("%w: failed to decode: %w", ErrInvalidSignature, err)
	}
	clone := maps.Clone(obj)
	delete(clone, "signatures")
	delete(clone, "unsigned")
	canonical, err := canonicaljson.Marshal(clone)
	if err != nil {
		return fmt.Errorf("failed to canonicalize object: %w", err)
	}
	if !ed25519.Verify(pubKeyBytes, canonical, sigBytes) {
		return fmt.Errorf("%w from %s (%s)", ErrInvalidSignature, serverName, keyID)
	}
	return nil
}

func getSignature(obj map[string]any, serverName string, keyID id.KeyID) (string, bool) {
	sigs, _ := obj["signatures"].(map[string]any)
	serverSigs, _ := sigs[serverName].(map[string]any)
	signature, _ := serverSigs[string(keyID)].(string)
	return signature, signature != ""
}

// signatureKeyIDs returns the key IDs the server has signed the object with.
func signatureKeyIDs(obj map[string]any, serverName string) []id.KeyID {
	sigs, _ := obj["signatures"].(map[string]any)
	serverSigs, _ := sigs[serverName].(map[string]any)
	out := make([]id.KeyID, 0, len(serverSigs))
	for _, keyID := range canonicaljson.SortedKeys(serverSigs) {
		out = append(out, id.KeyID(keyID))
	}
	return out
}
