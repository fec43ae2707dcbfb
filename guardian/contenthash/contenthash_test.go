package contenthash

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

// sha256("hello")
const helloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestDigest(t *testing.T) {
	assert.Equal(t, helloDigest, Digest("hello"))
	assert.Equal(t, Digest("hello"), Digest("hello"))
	assert.NotEqual(t, Digest("hello"), Digest("hello "))
	assert.Len(t, Digest(""), 64)
	assert.Equal(t, helloDigest, hex.EncodeToString(DigestBytes("hello")))
}

func TestNormalizeIsIdempotentOnDigest(t *testing.T) {
	for _, text := range []string{"", "hello", "日本語のテキスト", strings.Repeat("x", 10000)} {
		d := Digest(text)
		got, err := Normalize(HexString(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}

func TestNormalizeEquivalentEncodings(t *testing.T) {
	raw := DigestBytes("hello")
	arr := toByteArray(raw)

	encodings := map[string]Encoding{
		"bare hex":     HexString(helloDigest),
		"0x prefix":    HexString("0x" + helloDigest),
		"0X upper":     HexString("0X" + strings.ToUpper(helloDigest)),
		"bytea escape": HexString(`\x` + helloDigest),
		"padded":       HexString("  " + helloDigest + "\n"),
		"raw bytes":    RawBytes(raw),
		"byte array":   arr,
	}

	for name, e := range encodings {
		t.Run(name, func(t *testing.T) {
			got, err := Normalize(e)
			require.NoError(t, err)
			assert.Equal(t, helloDigest, got)
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   Encoding
	}{
		{"nil", nil},
		{"odd length", HexString("abc")},
		{"non hex", HexString(strings.Repeat("zz", 32))},
		{"short hex", HexString("abcd")},
		{"long raw", RawBytes(make([]byte, 33))},
		{"empty raw", RawBytes(nil)},
		{"element out of range", append(make(ByteArray, 31), 256)},
		{"negative element", append(make(ByteArray, 31), -1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in)
			require.Error(t, err)
			assert.True(t, sentinelerrors.IsFormat(err), "got %v", err)
		})
	}
}

func TestFromValue(t *testing.T) {
	raw := DigestBytes("hello")

	var bufferJSON map[string]any
	b, err := json.Marshal(map[string]any{"type": "Buffer", "data": raw})
	require.NoError(t, err)
	// json encodes []byte as base64, so rebuild the Buffer shape explicitly
	data := make([]any, len(raw))
	for i, x := range raw {
		data[i] = float64(x)
	}
	require.NoError(t, json.Unmarshal(b, &bufferJSON))
	bufferJSON["data"] = data

	values := map[string]any{
		"string":       "0x" + helloDigest,
		"bytes":        raw,
		"ints":         []int(toByteArray(raw)),
		"json numbers": data,
		"buffer":       bufferJSON,
	}

	for name, v := range values {
		t.Run(name, func(t *testing.T) {
			e, err := FromValue(v)
			require.NoError(t, err)
			got, err := Normalize(e)
			require.NoError(t, err)
			assert.Equal(t, helloDigest, got)
		})
	}

	t.Run("unknown shapes", func(t *testing.T) {
		for _, v := range []any{42, map[string]any{"type": "Blob"}, []any{"a"}, []any{1.5}} {
			_, err := FromValue(v)
			assert.True(t, sentinelerrors.IsFormat(err), "value %v", v)
		}
	})
}

func TestDecodeAndVerify(t *testing.T) {
	out, err := Decode("0x" + helloDigest)
	require.NoError(t, err)
	assert.Equal(t, DigestBytes("hello"), out[:])

	_, err = Decode("nothex")
	assert.True(t, sentinelerrors.IsFormat(err))

	ok, err := Verify("hello", RawBytes(DigestBytes("hello")))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("tampered", HexString(helloDigest))
	require.NoError(t, err)
	assert.False(t, ok)
}

func toByteArray(raw []byte) ByteArray {
	arr := make(ByteArray, len(raw))
	for i, b := range raw {
		arr[i] = int(b)
	}
	return arr
}
