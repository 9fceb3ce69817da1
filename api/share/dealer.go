package share

import (
	"fmt"

	"github.com/xxtea01/shareserve/api/tensor"
)

// Dealer produces the correlated randomness consumed by the protocol rounds.
// Each Deal* call returns both the plaintext value (kept by the dealer) and
// its share set (distributed to the parties). A fresh PRG keys every call, so
// concurrent requests can deal material independently.
type Dealer struct {
	enc *Encoder
}

// NewDealer creates a dealer bound to the given encoder.
func NewDealer(enc *Encoder) *Dealer {
	return &Dealer{enc: enc}
}

// Random deals a ring tensor uniform over the full ring.
func (d *Dealer) Random(shape ...int) (tensor.RingTensor, ShareSet, error) {
	prg, err := NewPRG()
	if err != nil {
		return tensor.RingTensor{}, ShareSet{}, err
	}
	plain := tensor.ZerosRing(shape...)
	prg.Fill(plain.Data)
	set, err := d.enc.EncodeRing(plain)
	if err != nil {
		return tensor.RingTensor{}, ShareSet{}, err
	}
	return plain, set, nil
}

// RandomBounded deals a ring tensor with elements uniform in [0, 2^bits).
func (d *Dealer) RandomBounded(bits uint, shape ...int) (tensor.RingTensor, ShareSet, error) {
	if bits == 0 || bits >= 64 {
		return tensor.RingTensor{}, ShareSet{}, fmt.Errorf("bounded deal needs bits in (0,64), got %d", bits)
	}
	prg, err := NewPRG()
	if err != nil {
		return tensor.RingTensor{}, ShareSet{}, err
	}
	plain := tensor.ZerosRing(shape...)
	prg.FillBounded(plain.Data, bits)
	set, err := d.enc.EncodeRing(plain)
	if err != nil {
		return tensor.RingTensor{}, ShareSet{}, err
	}
	return plain, set, nil
}

// RandomPositive deals a ring tensor with elements uniform in [1, 2^bits].
func (d *Dealer) RandomPositive(bits uint, shape ...int) (tensor.RingTensor, ShareSet, error) {
	if bits == 0 || bits >= 62 {
		return tensor.RingTensor{}, ShareSet{}, fmt.Errorf("positive deal needs bits in (0,62), got %d", bits)
	}
	prg, err := NewPRG()
	if err != nil {
		return tensor.RingTensor{}, ShareSet{}, err
	}
	plain := tensor.ZerosRing(shape...)
	prg.FillPositive(plain.Data, bits)
	set, err := d.enc.EncodeRing(plain)
	if err != nil {
		return tensor.RingTensor{}, ShareSet{}, err
	}
	return plain, set, nil
}

// Split shares a dealer-computed plaintext ring tensor, for material that is
// derived from other dealt values (masked products, truncation images).
func (d *Dealer) Split(plain tensor.RingTensor) (ShareSet, error) {
	return d.enc.EncodeRing(plain)
}
