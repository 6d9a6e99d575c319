// Package cmac implements AES-128 CMAC (NIST SP 800-38B, RFC 4493),
// used by wireless M-Bus for AFL message authentication and the mode 7
// key derivation function.
package cmac

import (
	"crypto/aes"
	"fmt"
)

const blockSize = 16

// rb is the constant for subkey generation over GF(2^128).
const rb = 0x87

// Subkeys derives the two CMAC subkeys K1, K2 from the cipher key.
func Subkeys(key []byte) (k1, k2 [blockSize]byte, err error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return k1, k2, fmt.Errorf("cmac: %w", err)
	}
	var l [blockSize]byte
	c.Encrypt(l[:], l[:])
	k1 = shiftLeft(l)
	if l[0]&0x80 != 0 {
		k1[blockSize-1] ^= rb
	}
	k2 = shiftLeft(k1)
	if k1[0]&0x80 != 0 {
		k2[blockSize-1] ^= rb
	}
	return k1, k2, nil
}

func shiftLeft(in [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	var carry byte
	for i := blockSize - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	return out
}

// Sum computes the full 16-byte CMAC of msg under key. Truncate the
// result for shorter MAC lengths.
func Sum(key, msg []byte) ([blockSize]byte, error) {
	var mac [blockSize]byte
	k1, k2, err := Subkeys(key)
	if err != nil {
		return mac, err
	}
	c, _ := aes.NewCipher(key)

	n := (len(msg) + blockSize - 1) / blockSize
	full := n > 0 && len(msg)%blockSize == 0
	if n == 0 {
		n = 1
	}

	var last [blockSize]byte
	rest := msg[(n-1)*blockSize:]
	if full {
		for i := range last {
			last[i] = rest[i] ^ k1[i]
		}
	} else {
		// Pad with 0x80 and zeros.
		copy(last[:], rest)
		last[len(rest)] = 0x80
		for i := range last {
			last[i] ^= k2[i]
		}
	}

	var x [blockSize]byte
	for i := range n - 1 {
		for j := range x {
			x[j] ^= msg[i*blockSize+j]
		}
		c.Encrypt(x[:], x[:])
	}
	for j := range x {
		x[j] ^= last[j]
	}
	c.Encrypt(mac[:], x[:])
	return mac, nil
}
