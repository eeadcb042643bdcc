package routing

import (
	"crypto/rand"
	"math/big"
)

// randBigInt returns a cryptographically random integer in [0, max).
func randBigInt(max *big.Int) (*big.Int, error) {
	if max.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	return rand.Int(rand.Reader, max)
}
