package share

import (
	"fmt"

	"github.com/xxtea01/shareserve/api/tensor"
)

// Share is one party's portion of a secret tensor. Values is uniformly
// distributed on its own; only the ring sum across all parties carries
// meaning.
type Share struct {
	Party  int
	Values tensor.RingTensor
}

// ShareSet holds all N shares of one secret tensor, indexed by party.
type ShareSet struct {
	Parties int
	Shares  []Share
}

// Share returns the share belonging to the given party.
func (s ShareSet) Share(party int) (Share, error) {
	if party < 0 || party >= len(s.Shares) {
		return Share{}, fmt.Errorf("party %d out of range [0,%d)", party, len(s.Shares))
	}
	return s.Shares[party], nil
}

// Encoder splits tensors into additive shares and reconstructs them.
type Encoder struct {
	parties  int
	fracBits int
}

// NewEncoder creates an encoder for the given party count. At least two
// parties are required for the scheme to hide anything.
func NewEncoder(parties, fracBits int) (*Encoder, error) {
	if parties < 2 {
		return nil, fmt.Errorf("secret sharing requires at least 2 parties, got %d", parties)
	}
	if fracBits <= 0 || fracBits >= 62 {
		return nil, fmt.Errorf("fraction bits must be in (0,62), got %d", fracBits)
	}
	return &Encoder{parties: parties, fracBits: fracBits}, nil
}

// Parties returns the configured party count.
func (e *Encoder) Parties() int { return e.parties }

// FracBits returns the configured fixed-point precision.
func (e *Encoder) FracBits() int { return e.fracBits }

// Encode quantizes a float tensor and splits it into one share per party.
// Fresh random masks are drawn on every call, so encoding the same tensor
// twice yields unrelated share sets.
func (e *Encoder) Encode(t tensor.Tensor) (ShareSet, error) {
	if t.Len() == 0 {
		return ShareSet{}, fmt.Errorf("cannot encode an empty tensor")
	}
	return e.EncodeRing(tensor.Quantize(t, e.fracBits))
}

// EncodeRing splits an already-quantized ring tensor into shares.
func (e *Encoder) EncodeRing(rt tensor.RingTensor) (ShareSet, error) {
	if rt.Len() == 0 {
		return ShareSet{}, fmt.Errorf("cannot encode an empty tensor")
	}
	prg, err := NewPRG()
	if err != nil {
		return ShareSet{}, err
	}
	return splitRing(rt, e.parties, prg)
}

// splitRing produces parties-1 uniform masks and one balancing share.
func splitRing(rt tensor.RingTensor, parties int, prg *PRG) (ShareSet, error) {
	set := ShareSet{Parties: parties, Shares: make([]Share, parties)}
	last := rt.Clone()
	for p := 0; p < parties-1; p++ {
		mask := tensor.RingTensor{Shape: rt.Shape, Data: make([]int64, rt.Len())}
		prg.Fill(mask.Data)
		set.Shares[p] = Share{Party: p, Values: mask.Clone()}
		var err error
		last, err = last.Sub(mask)
		if err != nil {
			return ShareSet{}, err
		}
	}
	set.Shares[parties-1] = Share{Party: parties - 1, Values: last}
	return set, nil
}

// Reconstruct sums a complete share set back into a float tensor. It errors
// on a wrong share count, a duplicate or out-of-range party index, or
// mismatched tensor shapes.
func (e *Encoder) Reconstruct(shares []Share) (tensor.Tensor, error) {
	rt, err := e.ReconstructRing(shares)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.Dequantize(rt, e.fracBits), nil
}

// ReconstructRing sums a complete share set back into a ring tensor.
func (e *Encoder) ReconstructRing(shares []Share) (tensor.RingTensor, error) {
	if len(shares) != e.parties {
		return tensor.RingTensor{}, fmt.Errorf("reconstruction requires all %d shares, got %d", e.parties, len(shares))
	}
	seen := make(map[int]bool, len(shares))
	for _, s := range shares {
		if s.Party < 0 || s.Party >= e.parties {
			return tensor.RingTensor{}, fmt.Errorf("share party %d out of range [0,%d)", s.Party, e.parties)
		}
		if seen[s.Party] {
			return tensor.RingTensor{}, fmt.Errorf("duplicate share for party %d", s.Party)
		}
		seen[s.Party] = true
	}

	sum := shares[0].Values.Clone()
	for _, s := range shares[1:] {
		var err error
		sum, err = sum.Add(s.Values)
		if err != nil {
			return tensor.RingTensor{}, fmt.Errorf("summing share of party %d: %w", s.Party, err)
		}
	}
	return sum, nil
}
