package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSerial returns a positive 63-bit random integer suitable for use as
// an X.509 serial number. The wall-clock serials the certificate tree used
// historically collide under concurrent issuance; random serials combined
// with a duplicate check at insert time do not.
func RandomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 63)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return n, nil
}
