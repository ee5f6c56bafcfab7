package state

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"changetrack/internal/change"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("state: cbor enc mode: %v", err))
	}
	cborEnc = em
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("state: cbor dec mode: %v", err))
	}
	cborDec = dm
}

// RecordPacker stores terminal changes as compressed CBOR.
type RecordPacker struct {
	c *Compressor
}

// NewRecordPacker creates a packer over the given compressor.
func NewRecordPacker(c *Compressor) *RecordPacker {
	if c == nil {
		c = NewCompressor(CompressConfig{})
	}
	return &RecordPacker{c: c}
}

// Pack implements change.Packer.
func (p *RecordPacker) Pack(c *change.Change) (change.Packed, error) {
	raw, err := cborEnc.Marshal(c)
	if err != nil {
		return change.Packed{}, fmt.Errorf("encode change %s: %w", c.ID, err)
	}
	codec, data, err := p.c.Compress(raw)
	if err != nil {
		return change.Packed{}, fmt.Errorf("compress change %s: %w", c.ID, err)
	}
	return change.Packed{Codec: codec, Data: data, RawSize: len(raw)}, nil
}

// Unpack implements change.Packer.
func (p *RecordPacker) Unpack(pk change.Packed) (*change.Change, error) {
	raw, err := p.c.Decompress(pk.Codec, pk.Data)
	if err != nil {
		return nil, err
	}
	var c change.Change
	if err := cborDec.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	return &c, nil
}

// PackAll packs a set of changes, skipping any that fail. The first error
// is returned alongside whatever packed successfully.
func (p *RecordPacker) PackAll(cs []*change.Change) (map[change.ID]change.Packed, error) {
	out := make(map[change.ID]change.Packed, len(cs))
	var first error
	for _, c := range cs {
		pk, err := p.Pack(c)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		out[c.ID] = pk
	}
	return out, first
}
