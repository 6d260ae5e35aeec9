package wirebus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec turns user objects into payload bytes and back. The relay never
// inspects payloads, so peers are free to agree on any codec; both sides of
// a group must use the same one.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// CBORCodec returns the default payload codec.
func CBORCodec() Codec { return cborCodec{} }

type zstdCodec struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// ZstdCodec wraps inner (CBOR when nil) with zstd compression, for payloads
// large enough that the link cost dominates.
func ZstdCodec(inner Codec) (Codec, error) {
	if inner == nil {
		inner = CBORCodec()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{inner: inner, enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Marshal(v any) ([]byte, error) {
	plain, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(plain, nil), nil
}

func (c *zstdCodec) Unmarshal(data []byte, v any) error {
	plain, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	return c.inner.Unmarshal(plain, v)
}
