// Package contenthash computes content fingerprints and normalizes stored
// digests arriving in the encodings the persistence layer can produce.
package contenthash

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/minio/sha256-simd"

	sentinelerrors "github.com/sentinelguard/sentinel/guardian/errors"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest returns the canonical fingerprint of text: lower-case hex SHA-256
// over its UTF-8 bytes, without prefix.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DigestBytes returns the raw 32-byte fingerprint of text.
func DigestBytes(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return sum[:]
}

// Encoding is one of the recognized digest representations. The set is
// closed: HexString, RawBytes and ByteArray.
type Encoding interface {
	isEncoding()
}

// HexString is a hex digest, optionally prefixed with 0x, 0X or the
// bytea escape \x.
type HexString string

// RawBytes is a binary digest buffer.
type RawBytes []byte

// ByteArray is the array-like shape a buffer takes once serialized to JSON.
type ByteArray []int

func (HexString) isEncoding() {}
func (RawBytes) isEncoding()  {}
func (ByteArray) isEncoding() {}

// Normalize converts any recognized encoding into the canonical hex form.
func Normalize(e Encoding) (string, error) {
	raw, err := toBytes(e)
	if err != nil {
		return "", err
	}
	if len(raw) != Size {
		return "", sentinelerrors.NewFormatError(fmt.Sprintf("digest must be %d bytes, got %d", Size, len(raw)))
	}
	return hex.EncodeToString(raw), nil
}

func toBytes(e Encoding) ([]byte, error) {
	switch v := e.(type) {
	case HexString:
		s := strings.TrimSpace(string(v))
		for _, prefix := range []string{"0x", "0X", `\x`} {
			if strings.HasPrefix(s, prefix) {
				s = s[len(prefix):]
				break
			}
		}
		if len(s)%2 != 0 {
			return nil, sentinelerrors.NewFormatError("hex digest has odd length")
		}
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, sentinelerrors.NewFormatError("hex digest contains non-hex characters")
		}
		return raw, nil
	case RawBytes:
		return []byte(v), nil
	case ByteArray:
		raw := make([]byte, len(v))
		for i, b := range v {
			if b < 0 || b > 255 {
				return nil, sentinelerrors.NewFormatError(fmt.Sprintf("byte array element %d out of range: %d", i, b))
			}
			raw[i] = byte(b)
		}
		return raw, nil
	case nil:
		return nil, sentinelerrors.NewFormatError("digest is missing")
	default:
		return nil, sentinelerrors.NewFormatError(fmt.Sprintf("unrecognized digest encoding %T", e))
	}
}

// FromValue classifies a decoded storage or JSON value into an Encoding.
// Accepted shapes: string, []byte, []int, []any of integral numbers, and
// {"type":"Buffer","data":[...]} objects.
func FromValue(v any) (Encoding, error) {
	switch x := v.(type) {
	case Encoding:
		return x, nil
	case string:
		return HexString(x), nil
	case []byte:
		return RawBytes(x), nil
	case []int:
		return ByteArray(x), nil
	case []any:
		arr := make(ByteArray, len(x))
		for i, el := range x {
			n, ok := integral(el)
			if !ok {
				return nil, sentinelerrors.NewFormatError(fmt.Sprintf("byte array element %d is not an integer", i))
			}
			arr[i] = n
		}
		return arr, nil
	case map[string]any:
		if x["type"] != "Buffer" {
			return nil, sentinelerrors.NewFormatError("object digest is not a Buffer")
		}
		return FromValue(x["data"])
	default:
		return nil, sentinelerrors.NewFormatError(fmt.Sprintf("unrecognized digest value %T", v))
	}
}

func integral(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Decode turns a canonical (or any hex) digest into fixed-size bytes.
func Decode(digest string) ([Size]byte, error) {
	var out [Size]byte
	canonical, err := Normalize(HexString(digest))
	if err != nil {
		return out, err
	}
	raw, _ := hex.DecodeString(canonical)
	copy(out[:], raw)
	return out, nil
}

// Verify reports whether text hashes to the stored digest, whatever
// encoding it was stored in.
func Verify(text string, stored Encoding) (bool, error) {
	canonical, err := Normalize(stored)
	if err != nil {
		return false, err
	}
	return canonical == Digest(text), nil
}
