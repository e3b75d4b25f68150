package util

import (
	"encoding/base64"
	"strings"
)

// EncodeBase64 encodes data as unpadded standard base64.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// EncodeBase64URL encodes data as unpadded URL-safe base64.
func EncodeBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard or URL-safe base64, with or without padding.
func DecodeBase64(str string) ([]byte, error) {
	str = strings.TrimRight(str, "=")
	if strings.ContainsAny(str, "-_") {
		return base64.RawURLEncoding.DecodeString(str)
	}
	return base64.RawStdEncoding.DecodeString(str)
}
