package mpc

import (
	"fmt"

	"github.com/xxtea01/shareserve/api/model"
	"github.com/xxtea01/shareserve/api/share"
	"github.com/xxtea01/shareserve/api/tensor"
)

// Protocol constants. Every layer costs exactly two rounds: an open that
// completes the layer's multiplication from dealt material (phase A) and an
// open that truncates or selects (phase B).
const (
	// leadParty contributes the public constants of a round exactly once.
	leadParty = 0

	// rangeBits is the layer range contract: every layer's plaintext output
	// must stay below 2^15 in magnitude. The truncation lift and the ReLU
	// comparison both rely on it.
	rangeBits = 15

	// truncMaskBits sizes the uniform additive mask opened during
	// truncation. 62 bits keeps the opened value inside int64 while hiding
	// the lifted pre-truncation value statistically.
	truncMaskBits = 62

	// signMaskBits sizes the positive multiplicative mask for the ReLU
	// comparison; the masked product stays well below the ring modulus.
	signMaskBits = 30
)

// truncationOffset is the lift added before a truncation open so the opened
// value is non-negative: 2^(rangeBits + 2·fracBits) bounds any product of
// two in-contract fixed-point values.
func truncationOffset(fracBits int) int64 {
	return int64(1) << uint(2*fracBits+rangeBits)
}

// checkFracBits bounds the fixed-point precision the protocol can truncate:
// the lift plus the additive mask must stay inside int64.
func checkFracBits(fracBits int) error {
	if fracBits <= 0 || 2*fracBits+rangeBits >= truncMaskBits {
		return fmt.Errorf("fraction bits must be in (0,%d) for truncation headroom, got %d", (truncMaskBits-rangeBits)/2, fracBits)
	}
	return nil
}

// TotalRounds is the fixed number of protocol rounds a request takes.
func (s ModelSpec) TotalRounds() int { return 2 * len(s.Layers) }

// DealWeights quantizes a model's parameters and splits them into per-party
// ring shares: result[party][layer]. Activation layers get empty entries.
func DealWeights(enc *share.Encoder, m *model.Model) ([][]LayerShares, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	parties := enc.Parties()
	out := make([][]LayerShares, parties)
	for p := range out {
		out[p] = make([]LayerShares, len(m.Layers))
	}
	for li, l := range m.Layers {
		if l.Kind != model.Dense {
			continue
		}
		wSet, err := enc.EncodeRing(tensor.Quantize(l.Weights, enc.FracBits()))
		if err != nil {
			return nil, fmt.Errorf("sharing layer %d weights: %w", li, err)
		}
		bSet, err := enc.EncodeRing(tensor.Quantize(l.Bias, enc.FracBits()))
		if err != nil {
			return nil, fmt.Errorf("sharing layer %d bias: %w", li, err)
		}
		for p := 0; p < parties; p++ {
			out[p][li] = LayerShares{
				Weights: wSet.Shares[p].Values.Data,
				Bias:    bSet.Shares[p].Values.Data,
			}
		}
	}
	return out, nil
}

// DealRequest generates one request's correlated randomness for every layer
// and splits it per party: result[party][layer]. The dealer keeps nothing;
// all material is single-use.
func DealRequest(enc *share.Encoder, m *model.Model) ([][]LayerMaterial, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fracBits := enc.FracBits()
	if err := checkFracBits(fracBits); err != nil {
		return nil, err
	}

	d := share.NewDealer(enc)
	parties := enc.Parties()
	out := make([][]LayerMaterial, parties)
	for p := range out {
		out[p] = make([]LayerMaterial, len(m.Layers))
	}

	width := 0
	for li, l := range m.Layers {
		switch l.Kind {
		case model.Dense:
			b, bSet, err := d.Random(l.In)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d mask: %w", li, err)
			}
			wq := tensor.Quantize(l.Weights, fracBits)
			c, err := wq.MatVec(b)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d product: %w", li, err)
			}
			cSet, err := d.Split(c)
			if err != nil {
				return nil, fmt.Errorf("sharing layer %d product: %w", li, err)
			}
			rSet, rtSet, err := dealTruncationPair(d, fracBits, l.Out)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d truncation pair: %w", li, err)
			}
			for p := 0; p < parties; p++ {
				out[p][li] = LayerMaterial{
					Mask:       bSet.Shares[p].Values.Data,
					Product:    cSet.Shares[p].Values.Data,
					TruncMask:  rSet.Shares[p].Values.Data,
					TruncShift: rtSet.Shares[p].Values.Data,
				}
			}
			width = l.Out

		case model.ReLU:
			a, aSet, err := d.Random(width)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d mask: %w", li, err)
			}
			rpos, rposSet, err := d.RandomPositive(signMaskBits, width)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d sign mask: %w", li, err)
			}
			c, err := a.Hadamard(rpos)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d product: %w", li, err)
			}
			cSet, err := d.Split(c)
			if err != nil {
				return nil, fmt.Errorf("sharing layer %d product: %w", li, err)
			}
			for p := 0; p < parties; p++ {
				out[p][li] = LayerMaterial{
					Mask:     aSet.Shares[p].Values.Data,
					Product:  cSet.Shares[p].Values.Data,
					Positive: rposSet.Shares[p].Values.Data,
				}
			}

		case model.Square:
			a, aSet, err := d.Random(width)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d mask: %w", li, err)
			}
			c, err := a.Hadamard(a)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d square: %w", li, err)
			}
			cSet, err := d.Split(c)
			if err != nil {
				return nil, fmt.Errorf("sharing layer %d square: %w", li, err)
			}
			rSet, rtSet, err := dealTruncationPair(d, fracBits, width)
			if err != nil {
				return nil, fmt.Errorf("dealing layer %d truncation pair: %w", li, err)
			}
			for p := 0; p < parties; p++ {
				out[p][li] = LayerMaterial{
					Mask:       aSet.Shares[p].Values.Data,
					Product:    cSet.Shares[p].Values.Data,
					TruncMask:  rSet.Shares[p].Values.Data,
					TruncShift: rtSet.Shares[p].Values.Data,
				}
			}

		default:
			return nil, fmt.Errorf("layer %d: unknown kind %q", li, l.Kind)
		}
	}
	return out, nil
}

// dealTruncationPair deals a uniform additive mask r together with the share
// of its truncated image floor(r / 2^fracBits).
func dealTruncationPair(d *share.Dealer, fracBits, n int) (share.ShareSet, share.ShareSet, error) {
	r, rSet, err := d.RandomBounded(truncMaskBits, n)
	if err != nil {
		return share.ShareSet{}, share.ShareSet{}, err
	}
	rt := r.Clone()
	for i := range rt.Data {
		rt.Data[i] >>= uint(fracBits)
	}
	rtSet, err := d.Split(rt)
	if err != nil {
		return share.ShareSet{}, share.ShareSet{}, err
	}
	return rSet, rtSet, nil
}

// layerWeights is a party's parsed ring share of one dense layer.
type layerWeights struct {
	w tensor.RingTensor
	b tensor.RingTensor
}

// parseWeights validates and parses a party's LayerShares against the model
// spec.
func parseWeights(spec ModelSpec, shares []LayerShares) ([]layerWeights, error) {
	if len(shares) != len(spec.Layers) {
		return nil, fmt.Errorf("got shares for %d layers, model has %d", len(shares), len(spec.Layers))
	}
	out := make([]layerWeights, len(spec.Layers))
	for i, l := range spec.Layers {
		if l.Kind != model.Dense {
			if len(shares[i].Weights) != 0 || len(shares[i].Bias) != 0 {
				return nil, fmt.Errorf("layer %d: %s layer must not carry parameters", i, l.Kind)
			}
			continue
		}
		if len(shares[i].Weights) != l.In*l.Out {
			return nil, fmt.Errorf("layer %d: weight share has %d elements, want %d", i, len(shares[i].Weights), l.In*l.Out)
		}
		if len(shares[i].Bias) != l.Out {
			return nil, fmt.Errorf("layer %d: bias share has %d elements, want %d", i, len(shares[i].Bias), l.Out)
		}
		out[i] = layerWeights{
			w: tensor.RingTensor{Shape: []int{l.Out, l.In}, Data: shares[i].Weights},
			b: tensor.RingTensor{Shape: []int{l.Out}, Data: shares[i].Bias},
		}
	}
	return out, nil
}

// validateMaterial checks one request's dealt material against the model
// dimensions before any round runs.
func validateMaterial(spec ModelSpec, inWidths []int, material []LayerMaterial) error {
	if len(material) != len(spec.Layers) {
		return fmt.Errorf("got material for %d layers, model has %d", len(material), len(spec.Layers))
	}
	for i, l := range spec.Layers {
		m := material[i]
		switch l.Kind {
		case model.Dense:
			if len(m.Mask) != l.In || len(m.Product) != l.Out ||
				len(m.TruncMask) != l.Out || len(m.TruncShift) != l.Out {
				return fmt.Errorf("layer %d: dense material does not match %dx%d", i, l.Out, l.In)
			}
		case model.ReLU:
			w := inWidths[i]
			if len(m.Mask) != w || len(m.Product) != w || len(m.Positive) != w {
				return fmt.Errorf("layer %d: relu material does not match width %d", i, w)
			}
		case model.Square:
			w := inWidths[i]
			if len(m.Mask) != w || len(m.Product) != w ||
				len(m.TruncMask) != w || len(m.TruncShift) != w {
				return fmt.Errorf("layer %d: square material does not match width %d", i, w)
			}
		}
	}
	return nil
}

// roundState is one party's protocol state for one request. It is pure
// arithmetic: the runtime feeds it opened vectors and sends out its
// contributions.
type roundState struct {
	spec     ModelSpec
	inWidths []int
	weights  []layerWeights
	material []LayerMaterial
	lead     bool

	vec     tensor.RingTensor
	pending tensor.RingTensor
}

// newRoundState validates the dealt material against the model and prepares
// the per-request state. The input share is attached separately.
func newRoundState(spec ModelSpec, weights []layerWeights, material []LayerMaterial, lead bool) (*roundState, error) {
	if err := checkFracBits(spec.FracBits); err != nil {
		return nil, err
	}
	inWidths, _, err := spec.widths()
	if err != nil {
		return nil, err
	}
	if len(weights) != len(spec.Layers) {
		return nil, fmt.Errorf("got weights for %d layers, model has %d", len(weights), len(spec.Layers))
	}
	if err := validateMaterial(spec, inWidths, material); err != nil {
		return nil, err
	}
	return &roundState{
		spec:     spec,
		inWidths: inWidths,
		weights:  weights,
		material: material,
		lead:     lead,
	}, nil
}

// setInput attaches this party's share of the request input.
func (s *roundState) setInput(data []int64) error {
	if len(data) != s.inWidths[0] {
		return fmt.Errorf("input share has %d elements, model takes %d", len(data), s.inWidths[0])
	}
	s.vec = tensor.RingTensor{Shape: []int{len(data)}, Data: data}.Clone()
	return nil
}

// contribution produces the masked vector this party broadcasts for the
// given round.
func (s *roundState) contribution(round int) ([]int64, error) {
	li, phase, err := s.locate(round)
	if err != nil {
		return nil, err
	}
	mat := s.material[li]

	if phase == 0 {
		// Phase A of every layer kind opens the input minus the dealt mask.
		mask := ringVec(mat.Mask)
		d, err := s.vec.Sub(mask)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		return d.Data, nil
	}

	switch s.spec.Layers[li].Kind {
	case model.Dense, model.Square:
		// Truncation open: pending + r, lifted once by the lead party.
		u, err := s.pending.Add(ringVec(mat.TruncMask))
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", round, err)
		}
		if s.lead {
			offset := truncationOffset(s.spec.FracBits)
			for k := range u.Data {
				u.Data[k] += offset
			}
		}
		return u.Data, nil
	case model.ReLU:
		// Comparison open: the masked product t = x∘rpos in shares.
		return s.pending.Clone().Data, nil
	default:
		return nil, fmt.Errorf("round %d: unknown layer kind", round)
	}
}

// apply folds an opened vector into the local share. After the final round
// the party's output share is available via output().
func (s *roundState) apply(round int, opened []int64) error {
	li, phase, err := s.locate(round)
	if err != nil {
		return err
	}
	layer := s.spec.Layers[li]
	mat := s.material[li]

	wantLen := s.openedLen(li, phase)
	if len(opened) != wantLen {
		return fmt.Errorf("round %d: opened vector has %d elements, want %d", round, len(opened), wantLen)
	}
	pub := ringVec(opened)

	switch layer.Kind {
	case model.Dense:
		if phase == 0 {
			// z' = C + W·D in shares, at double fixed-point scale.
			wd, err := s.weights[li].w.MatVec(pub)
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			z, err := wd.Add(ringVec(mat.Product))
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			s.pending = z
			return nil
		}
		s.vec = s.truncate(pub, mat)
		bias, err := s.vec.Add(s.weights[li].b)
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		s.vec = bias
		return nil

	case model.Square:
		if phase == 0 {
			// z' = c + 2·d∘a + d∘d, the last term public and added once.
			da, err := pub.Hadamard(ringVec(mat.Mask))
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			z, err := da.Scale(2).Add(ringVec(mat.Product))
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			if s.lead {
				for k := range z.Data {
					z.Data[k] += opened[k] * opened[k]
				}
			}
			s.pending = z
			return nil
		}
		s.vec = s.truncate(pub, mat)
		return nil

	case model.ReLU:
		if phase == 0 {
			// t = c + e∘rpos in shares; sign(t) == sign(x).
			er, err := pub.Hadamard(ringVec(mat.Positive))
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			z, err := er.Add(ringVec(mat.Product))
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			s.pending = z
			return nil
		}
		// Select by the opened comparison value; x passes where t >= 0.
		next := s.vec.Clone()
		for k, t := range opened {
			if t < 0 {
				next.Data[k] = 0
			}
		}
		s.vec = next
		return nil

	default:
		return fmt.Errorf("round %d: unknown layer kind", round)
	}
}

// truncate turns an opened lifted value c = z' + offset + r into this
// party's share of z' / 2^fracBits: the lead party keeps the public
// truncated value, everyone subtracts their share of r's truncated image.
func (s *roundState) truncate(pub tensor.RingTensor, mat LayerMaterial) tensor.RingTensor {
	fracBits := uint(s.spec.FracBits)
	liftT := truncationOffset(s.spec.FracBits) >> fracBits
	out := tensor.ZerosRing(pub.Len())
	for k := range out.Data {
		v := int64(0)
		if s.lead {
			v = (pub.Data[k] >> fracBits) - liftT
		}
		out.Data[k] = v - mat.TruncShift[k]
	}
	return out
}

// output returns this party's share of the final activation vector.
func (s *roundState) output() []int64 {
	return s.vec.Clone().Data
}

// locate splits a round index into layer and phase, bounds-checked.
func (s *roundState) locate(round int) (int, int, error) {
	if round < 0 || round >= s.spec.TotalRounds() {
		return 0, 0, fmt.Errorf("round %d out of range [0,%d)", round, s.spec.TotalRounds())
	}
	return round / 2, round % 2, nil
}

// openedLen is the expected element count of the opened vector for a round.
func (s *roundState) openedLen(li, phase int) int {
	l := s.spec.Layers[li]
	if l.Kind == model.Dense {
		if phase == 0 {
			return l.In
		}
		return l.Out
	}
	return s.inWidths[li]
}

// ringVec wraps a raw slice as a rank-1 ring tensor without copying. Tensor
// operations never mutate their operands, so sharing the backing array with
// wire buffers is safe.
func ringVec(data []int64) tensor.RingTensor {
	return tensor.RingTensor{Shape: []int{len(data)}, Data: data}
}

// sumOpened adds the per-party contributions of one round into the opened
// public vector.
func sumOpened(contributions [][]int64) ([]int64, error) {
	if len(contributions) == 0 {
		return nil, fmt.Errorf("no contributions to open")
	}
	n := len(contributions[0])
	out := make([]int64, n)
	for i, c := range contributions {
		if len(c) != n {
			return nil, fmt.Errorf("contribution %d has %d elements, want %d", i, len(c), n)
		}
		for k, v := range c {
			out[k] += v
		}
	}
	return out, nil
}
