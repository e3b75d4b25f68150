package canonicaljson

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"empty object", map[string]any{}, `{}`},
		{"simple", map[string]any{"one": 1, "two": "Two"}, `{"one":1,"two":"Two"}`},
		{"reordered", map[string]any{"b": "2", "a": "1"}, `{"a":"1","b":"2"}`},
		{"nested", map[string]any{
			"auth": map[string]any{
				"success": true,
				"mxid":    "@john.doe:example.com",
				"profile": map[string]any{
					"display_name": "John Doe",
					"three_pids": []any{
						map[string]any{"medium": "email", "address": "john.doe@example.org"},
						map[string]any{"medium": "msisdn", "address": "123456789"},
					},
				},
			},
		}, `{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"},{"address":"123456789","medium":"msisdn"}]},"success":true}}`},
		{"non-ascii value", map[string]any{"a": "日本語"}, `{"a":"日本語"}`},
		{"non-ascii keys", map[string]any{"本": 2, "日": 1}, `{"日":1,"本":2}`},
		{"escaped input", json.RawMessage(`{"a":"\u65E5"}`), `{"a":"日"}`},
		{"null", map[string]any{"a": nil}, `{"a":null}`},
		{"html is not escaped", map[string]any{"a": "<b>&</b>"}, `{"a":"<b>&</b>"}`},
		{"control characters", map[string]any{"a": "line\nbreak\u0001"}, `{"a":"line\nbreak\u0001"}`},
		{"line separator passes through", map[string]any{"a": "\u2028"}, "{\"a\":\"\u2028\"}"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, err := Marshal(test.input)
			require.NoError(t, err)
			assert.Equal(t, test.expected, string(out))
		})
	}
}

func TestCanonicalizeRaw(t *testing.T) {
	out, err := Canonicalize([]byte(`{ "b" : [3, 2, 1], "a" : {"y": 1.0, "x": 1e2} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":100,"y":1},"b":[3,2,1]}`, string(out))
}

func TestCanonicalizeKeyPermutation(t *testing.T) {
	inputs := []string{
		`{"a":1,"b":{"c":[1,2],"d":"x"},"e":null}`,
		`{"e":null,"b":{"d":"x","c":[1,2]},"a":1}`,
		`{"b":{"c":[1,2],"d":"x"},"e":null,"a":1}`,
	}
	var first []byte
	for _, input := range inputs {
		out, err := Canonicalize([]byte(input))
		require.NoError(t, err)
		if first == nil {
			first = out
		} else {
			assert.Equal(t, string(first), string(out))
		}
	}
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1.5}`))
	assert.ErrorIs(t, err, ErrFloatValue)
	_, err = Marshal(map[string]any{"a": 0.25})
	assert.ErrorIs(t, err, ErrFloatValue)
}

func TestCanonicalizeRejectsHugeIntegers(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":9007199254740993}`))
	assert.Error(t, err)
}

func TestCanonicalizeInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
	_, err = Canonicalize([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestMarshalStruct(t *testing.T) {
	type inner struct {
		Z string          `json:"z"`
		A json.RawMessage `json:"a"`
	}
	out, err := Marshal(inner{Z: "last", A: json.RawMessage(`{"k": true}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"k":true},"z":"last"}`, string(out))
}

func TestSortedKeysUTF16Order(t *testing.T) {
	obj := map[string]int{
		"\uE000":     1,
		"\U00010000": 2,
	}
	assert.Equal(t, []string{"\U00010000", "\uE000"}, SortedKeys(obj))

	utf8Order := []string{"\U00010000", "\uE000"}
	sort.Strings(utf8Order)
	assert.Equal(t, []string{"\uE000", "\U00010000"}, utf8Order)
}
