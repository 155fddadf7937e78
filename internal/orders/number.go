package orders

import (
	"crypto/rand"
	"math/big"
)

const (
	numberPrefix   = "ORD-"
	numberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	numberLength   = 6
)

// NewOrderNumber returns ORD- followed by six uppercase alphanumerics.
// Uniqueness is enforced by the store; a collision surfaces as ErrConflict
// and the create is retried with a fresh number.
func NewOrderNumber() string {
	b := make([]byte, numberLength)
	max := big.NewInt(int64(len(numberAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = numberAlphabet[n.Int64()]
	}
	return numberPrefix + string(b)
}
