package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBase64(t *testing.T) {
	for input, expected := range map[string]string{
		"":       "",
		"f":      "Zg",
		"fo":     "Zm8",
		"foo":    "Zm9v",
		"foob":   "Zm9vYg",
		"fooba":  "Zm9vYmE",
		"foobar": "Zm9vYmFy",
	} {
		assert.Equal(t, expected, EncodeBase64([]byte(input)))
		decoded, err := DecodeBase64(expected)
		require.NoError(t, err)
		assert.Equal(t, input, string(decoded))
	}
}

func TestBase64URLSafe(t *testing.T) {
	input := []byte("😀🍕🍔🍟🌭")
	assert.Equal(t, "8J+YgPCfjZXwn42U8J+Nn/CfjK0", EncodeBase64(input))
	assert.Equal(t, "8J-YgPCfjZXwn42U8J-Nn_CfjK0", EncodeBase64URL(input))

	decoded, err := DecodeBase64("8J-YgPCfjZXwn42U8J-Nn_CfjK0")
	require.NoError(t, err)
	assert.Equal(t, input, decoded)
}

func TestDecodeBase64Padded(t *testing.T) {
	decoded, err := DecodeBase64("Zg==")
	require.NoError(t, err)
	assert.Equal(t, "f", string(decoded))
}

func TestDecodeBase64Hash(t *testing.T) {
	hash := SHA256Base64([]byte("hello"))
	decoded, ok := DecodeBase64Hash(hash)
	require.True(t, ok)
	assert.Equal(t, hash, EncodeBase64(decoded[:]))

	_, ok = DecodeBase64Hash("short")
	assert.False(t, ok)
}
