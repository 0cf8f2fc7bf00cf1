package cluster

import (
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

// payloadCodec compresses bulk cluster payloads above a size threshold.
// EncodeAll/DecodeAll are safe for concurrent use.
type payloadCodec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newPayloadCodec(threshold, maxDecoded int) (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(uint64(maxDecoded)))
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &payloadCodec{threshold: threshold, enc: enc, dec: dec}, nil
}

// compress returns the compressed bytes and true, or b unchanged and false
// when b is under the threshold or does not shrink.
func (c *payloadCodec) compress(b []byte) ([]byte, bool) {
	if c.threshold <= 0 || len(b) < c.threshold {
		return b, false
	}
	out := c.enc.EncodeAll(b, make([]byte, 0, len(b)/2))
	if len(out) >= len(b) {
		return b, false
	}
	return out, true
}

func (c *payloadCodec) decompress(b []byte, cp bool) ([]byte, error) {
	if !cp {
		return b, nil
	}
	return c.dec.DecodeAll(b, nil)
}

func (c *payloadCodec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
