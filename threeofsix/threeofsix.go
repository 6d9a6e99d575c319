// Package threeofsix implements the "3 out of 6" line code used by
// wireless M-Bus mode T. Each 4-bit nibble maps to a 6-bit codeword
// with exactly three bits set, so three encoded bytes carry two
// decoded bytes.
package threeofsix

import "fmt"

// encode maps a nibble to its 6-bit codeword.
var encode = [16]byte{
	0x16, 0x0d, 0x0e, 0x0b, 0x1c, 0x19, 0x1a, 0x13,
	0x2c, 0x25, 0x26, 0x23, 0x34, 0x31, 0x32, 0x29,
}

// decode is the inverse of encode; 0xff marks an illegal codeword.
var decode = func() [64]byte {
	var d [64]byte
	for i := range d {
		d[i] = 0xff
	}
	for n, cw := range encode {
		d[cw] = byte(n)
	}
	return d
}()

// Error reports an illegal 6-bit codeword found while decoding.
type Error struct {
	Codeword byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("threeofsix: illegal codeword %#02x", e.Codeword)
}

// EncodedSize returns the number of encoded bytes carrying n decoded
// bytes: ceil(1.5*n).
func EncodedSize(n int) int {
	return (3*n + 1) / 2
}

// Decode decodes n bytes out of src, in place over src when dst and
// src alias. Every pair of output bytes consumes three input bytes;
// a trailing odd byte consumes two (the postamble bits are ignored).
// dst and src may be the same slice.
func Decode(dst, src []byte, n int) error {
	di, si := 0, 0
	for di < n {
		last := n-di == 1
		if err := decodePair(dst[di:], src[si:], last); err != nil {
			return err
		}
		if last {
			di++
			si += 2
		} else {
			di += 2
			si += 3
		}
	}
	return nil
}

// decodePair decodes one (or, for the trailing byte, half of one)
// 3-byte group into two decoded bytes.
func decodePair(dst, src []byte, last bool) error {
	// The four codewords packed MSB first into src[0..2]:
	//   src[0] = c3[5:0] c2[5:4]
	//   src[1] = c2[3:0] c1[5:2]
	//   src[2] = c1[1:0] c0[5:0]
	c3 := src[0] >> 2
	c2 := src[0]&0x03<<4 | src[1]>>4
	n3, n2 := decode[c3], decode[c2]
	if n3 == 0xff {
		return &Error{Codeword: c3}
	}
	if n2 == 0xff {
		return &Error{Codeword: c2}
	}
	out0 := n3<<4 | n2
	if last {
		dst[0] = out0
		return nil
	}
	c1 := src[1]&0x0f<<2 | src[2]>>6
	c0 := src[2] & 0x3f
	n1, n0 := decode[c1], decode[c0]
	if n1 == 0xff {
		return &Error{Codeword: c1}
	}
	if n0 == 0xff {
		return &Error{Codeword: c0}
	}
	dst[0] = out0
	dst[1] = n1<<4 | n0
	return nil
}

// Encode appends the 3-of-6 encoding of src to dst and returns the
// extended slice. An odd trailing byte is followed by the standard
// postamble bits to fill the final encoded byte.
func Encode(dst, src []byte) []byte {
	for len(src) >= 2 {
		c3 := encode[src[0]>>4]
		c2 := encode[src[0]&0x0f]
		c1 := encode[src[1]>>4]
		c0 := encode[src[1]&0x0f]
		dst = append(dst,
			c3<<2|c2>>4,
			c2<<4|c1>>2,
			c1<<6|c0)
		src = src[2:]
	}
	if len(src) == 1 {
		c3 := encode[src[0]>>4]
		c2 := encode[src[0]&0x0f]
		// Pad with the 0101 postamble pattern.
		dst = append(dst, c3<<2|c2>>4, c2<<4|0x05)
	}
	return dst
}
