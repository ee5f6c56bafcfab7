package state

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec names stored alongside compressed payloads.
const (
	CodecRaw  = "raw"
	CodecS2   = "s2"
	CodecZstd = "zstd"
)

// ErrUnknownCodec is returned when decompressing an unrecognized codec.
var ErrUnknownCodec = errors.New("state: unknown codec")

// CompressConfig tunes codec selection.
type CompressConfig struct {
	// Payloads smaller than MinBytes are stored raw.
	MinBytes int
	// Payloads of at least BlockThreshold bytes use block compression.
	BlockThreshold int
	// Payloads whose byte entropy exceeds MaxEntropy bits are stored raw.
	MaxEntropy float64
}

// DefaultCompressConfig returns the default codec thresholds.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		MinBytes:       64,
		BlockThreshold: 4096,
		MaxEntropy:     7.5,
	}
}

// Compressor picks a codec per payload: raw for tiny or incompressible
// data, s2 for small deltas, zstd for large blocks. Safe for concurrent use.
type Compressor struct {
	cfg CompressConfig

	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

// NewCompressor creates a compressor. Zero fields fall back to defaults.
func NewCompressor(cfg CompressConfig) *Compressor {
	def := DefaultCompressConfig()
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = def.MinBytes
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = def.BlockThreshold
	}
	if cfg.MaxEntropy <= 0 {
		cfg.MaxEntropy = def.MaxEntropy
	}
	return &Compressor{cfg: cfg}
}

func (c *Compressor) zstd() (*zstd.Encoder, *zstd.Decoder, error) {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
	return c.enc, c.dec, c.err
}

// Choose returns the codec Compress would use for src.
func (c *Compressor) Choose(src []byte) string {
	if len(src) < c.cfg.MinBytes {
		return CodecRaw
	}
	if Entropy(src) > c.cfg.MaxEntropy {
		return CodecRaw
	}
	if len(src) < c.cfg.BlockThreshold {
		return CodecS2
	}
	return CodecZstd
}

// Compress encodes src with the chosen codec. If compression does not
// shrink the payload it is stored raw.
func (c *Compressor) Compress(src []byte) (string, []byte, error) {
	codec := c.Choose(src)
	var out []byte
	switch codec {
	case CodecS2:
		out = s2.Encode(nil, src)
	case CodecZstd:
		enc, _, err := c.zstd()
		if err != nil {
			return "", nil, fmt.Errorf("init zstd: %w", err)
		}
		out = enc.EncodeAll(src, nil)
	}
	if codec == CodecRaw || len(out) >= len(src) {
		return CodecRaw, append([]byte(nil), src...), nil
	}
	return codec, out, nil
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(codec string, data []byte) ([]byte, error) {
	switch codec {
	case CodecRaw, "":
		return append([]byte(nil), data...), nil
	case CodecS2:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		return out, nil
	case CodecZstd:
		_, dec, err := c.zstd()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

// Entropy returns the Shannon entropy of b in bits per byte.
func Entropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, x := range b {
		counts[x]++
	}
	n := float64(len(b))
	var h float64
	for _, k := range counts {
		if k == 0 {
			continue
		}
		p := float64(k) / n
		h -= p * math.Log2(p)
	}
	return h
}
