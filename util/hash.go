package util

import (
	"crypto/sha256"
	"encoding/base64"
)

const HashSize = sha256.Size

var Base64SHA256Length = base64.RawStdEncoding.EncodedLen(HashSize)

// SHA256Base64 hashes the given bytes and returns the digest as unpadded standard base64.
func SHA256Base64(data []byte) string {
	hash := sha256.Sum256(data)
	return base64.RawStdEncoding.EncodeToString(hash[:])
}

// SHA256Base64URL hashes the given bytes and returns the digest as unpadded URL-safe base64.
func SHA256Base64URL(data []byte) string {
	hash := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func DecodeBase64Hash(hash string) (*[HashSize]byte, bool) {
	if len(hash) != Base64SHA256Length {
		return nil, false
	}
	decoded, err := DecodeBase64(hash)
	if err != nil || len(decoded) != HashSize {
		return nil, false
	}
	return (*[HashSize]byte)(decoded), true
}
