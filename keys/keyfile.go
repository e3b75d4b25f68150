package keys

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"maunium.net/go/mautrix/federation"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/lmhub/util"
)

// parseSynapseKey parses a key in the Synapse signing key file format, "ed25519 <id> <seed>".
func parseSynapseKey(data string) (*federation.SigningKey, error) {
	parts := strings.Fields(data)
	if len(parts) == 3 {
		// ed25519.NewKeyFromSeed panics on bad lengths
		if seed, err := util.DecodeBase64(parts[2]); err != nil {
			return nil, fmt.Errorf("failed to decode seed: %w", err)
		} else if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid seed length %d", len(seed))
		}
	}
	return federation.ParseSynapseKey(strings.Join(parts, " "))
}

// LoadOrGenerateKeyFile reads the signing key at path, generating and persisting a new one if the file
// doesn't exist yet. Calling it again with the same path returns the same key.
func LoadOrGenerateKeyFile(path, keyID string) (key *federation.SigningKey, generated bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err = parseSynapseKey(string(data))
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse signing key file: %w", err)
		}
		return key, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("failed to read signing key file: %w", err)
	}
	if keyID == "" {
		keyID = DefaultKeyID
	}
	key = federation.GenerateSigningKey()
	key.ID = id.NewKeyID(id.KeyAlgorithmEd25519, keyID)
	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("failed to create signing key directory: %w", err)
		}
	}
	tmpPath := path + ".tmp"
	if err = os.WriteFile(tmpPath, []byte(key.SynapseString()+"\n"), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to write signing key file: %w", err)
	} else if err = os.Rename(tmpPath, path); err != nil {
		return nil, false, fmt.Errorf("failed to move signing key file into place: %w", err)
	}
	return key, true, nil
}
