// Package codec implements the versioned binary encoding used to move
// execution contexts, pending effects, and results across the sandbox
// boundary. The wire form is a two-byte header (format version and
// compression tag) followed by deterministic CBOR; payloads past a size
// threshold are zstd-compressed when that actually shrinks them.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/cocoon-run/cocoon/handler"
)

// Version identifies the current encoding. Decoders reject anything else
// so caller and runtime can evolve independently.
const Version = 1

const (
	compressionNone uint8 = 0
	compressionZstd uint8 = 1
)

// Payloads at or above this size are probed with zstd; smaller ones are
// not worth the CPU.
const compressThreshold = 4 << 10

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// Reused across calls; both are safe for concurrent use.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: encoder mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: decoder mode: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	compression := compressionNone
	if len(payload) >= compressThreshold {
		z := zstdEncoder.EncodeAll(payload, nil)
		if len(z) < len(payload) {
			payload = z
			compression = compressionZstd
		}
	}

	out := make([]byte, 0, len(payload)+2)
	out = append(out, Version, compression)
	return append(out, payload...), nil
}

func decode(data []byte, v any) error {
	if len(data) < 2 {
		return fmt.Errorf("decode: truncated header")
	}
	if data[0] != Version {
		return fmt.Errorf("decode: unsupported encoding version %d", data[0])
	}

	payload := data[2:]
	switch data[1] {
	case compressionNone:
	case compressionZstd:
		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("decode: zstd: %w", err)
		}
		payload = raw
	default:
		return fmt.Errorf("decode: unknown compression tag %d", data[1])
	}

	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// EncodeContext serializes an execution context.
func EncodeContext(c *handler.Context) ([]byte, error) {
	return encode(c)
}

// DecodeContext deserializes an execution context.
func DecodeContext(data []byte) (*handler.Context, error) {
	var c handler.Context
	if err := decode(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeEffects serializes pending effects.
func EncodeEffects(e *handler.Effects) ([]byte, error) {
	return encode(e)
}

// DecodeEffects deserializes pending effects.
func DecodeEffects(data []byte) (*handler.Effects, error) {
	var e handler.Effects
	if err := decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EncodeResult serializes an execution result.
func EncodeResult(r *handler.Result) ([]byte, error) {
	return encode(r)
}

// DecodeResult deserializes an execution result.
func DecodeResult(data []byte) (*handler.Result, error) {
	var r handler.Result
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CloneContext deep-copies a context by round-tripping it through the
// codec. The engine injects clones, never the caller's maps, so sandboxed
// code cannot alias caller memory.
func CloneContext(c *handler.Context) (*handler.Context, error) {
	data, err := EncodeContext(c)
	if err != nil {
		return nil, err
	}
	return DecodeContext(data)
}
