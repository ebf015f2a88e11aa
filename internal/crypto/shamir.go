package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ShareSize is the encoded length of one root key share: the x coordinate
// followed by y as a fixed-width big-endian field element.
const ShareSize = 1 + KeySize

// fieldPrime is the secp256k1 base-field prime p = 2^256 - 2^32 - 977.
var fieldPrime, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffffffffffffffffffffffffffefffffc2f", 16)

type share struct {
	x int64
	y *big.Int
}

func (s share) encode() []byte {
	out := make([]byte, ShareSize)
	out[0] = byte(s.x)
	s.y.FillBytes(out[1:])
	return out
}

func parseShare(b []byte) (share, error) {
	if len(b) != ShareSize {
		return share{}, fmt.Errorf("share must be %d bytes, got %d", ShareSize, len(b))
	}
	if b[0] == 0 {
		return share{}, errors.New("share index must be non-zero")
	}
	y := new(big.Int).SetBytes(b[1:])
	if y.Cmp(fieldPrime) >= 0 {
		return share{}, errors.New("share value out of range")
	}
	return share{x: int64(b[0]), y: y}, nil
}

// SplitRootKey splits a root key into `shares` shares, any `threshold` of which rebuild it.
func SplitRootKey(key []byte, shares, threshold int) ([][]byte, error) {
	switch {
	case threshold < 2:
		return nil, errors.New("threshold must be at least 2")
	case threshold > shares:
		return nil, errors.New("threshold cannot exceed total shares")
	case shares > 255:
		return nil, errors.New("at most 255 shares are supported")
	case len(key) != KeySize:
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}
	secret := new(big.Int).SetBytes(key)
	if secret.Cmp(fieldPrime) >= 0 {
		return nil, errors.New("key does not fit the share field")
	}

	// poly[0] is the secret; the remaining coefficients are random.
	poly := make([]*big.Int, threshold)
	poly[0] = secret
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, fieldPrime)
		if err != nil {
			return nil, fmt.Errorf("generating coefficient: %w", err)
		}
		poly[i] = c
	}

	out := make([][]byte, shares)
	for i := range out {
		x := int64(i + 1)
		out[i] = share{x: x, y: evaluate(poly, x)}.encode()
	}
	return out, nil
}

// CombineShards rebuilds the root key from threshold or more shards.
// Fewer shards than the threshold produce a wrong key, not an error;
// callers verify the result against a known check value.
func CombineShards(shards [][]byte) ([]byte, error) {
	if len(shards) < 2 {
		return nil, errors.New("need at least 2 shards")
	}
	points := make([]share, len(shards))
	seen := make(map[int64]bool, len(shards))
	for i, b := range shards {
		s, err := parseShare(b)
		if err != nil {
			return nil, fmt.Errorf("decoding shard %d: %w", i, err)
		}
		if seen[s.x] {
			return nil, fmt.Errorf("shard %d repeats index %d", i, s.x)
		}
		seen[s.x] = true
		points[i] = s
	}

	key := make([]byte, KeySize)
	interpolateAtZero(points).FillBytes(key)
	return key, nil
}

// evaluate computes poly(x) mod p by Horner's rule.
func evaluate(poly []*big.Int, x int64) *big.Int {
	bx := big.NewInt(x)
	acc := new(big.Int)
	for i := len(poly) - 1; i >= 0; i-- {
		acc.Mul(acc, bx).Add(acc, poly[i]).Mod(acc, fieldPrime)
	}
	return acc
}

// interpolateAtZero returns f(0) for the polynomial through points, using
// the basis l_i(0) = prod x_j / (x_j - x_i). Indexes are distinct and below
// p, so every denominator is invertible.
func interpolateAtZero(points []share) *big.Int {
	sum := new(big.Int)
	for i, pi := range points {
		num, den := big.NewInt(1), big.NewInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			num.Mul(num, big.NewInt(pj.x)).Mod(num, fieldPrime)
			den.Mul(den, big.NewInt(pj.x-pi.x)).Mod(den, fieldPrime)
		}
		den.ModInverse(den, fieldPrime)
		term := new(big.Int).Mul(pi.y, num)
		term.Mul(term, den)
		sum.Add(sum, term).Mod(sum, fieldPrime)
	}
	return sum
}
