package threeofsix

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	msgs := [][]byte{
		{0x00},
		{0x2e, 0x44},
		{0x2e, 0x44, 0x93, 0x15, 0x74, 0x04, 0x01},
		{0xff, 0x0f, 0xf0, 0x55, 0xaa},
	}
	for _, msg := range msgs {
		enc := Encode(nil, msg)
		if want := EncodedSize(len(msg)); len(enc) != want {
			t.Errorf("Encode(% x): %d encoded bytes, want %d", msg, len(enc), want)
		}
		dec := make([]byte, len(msg))
		if err := Decode(dec, enc, len(msg)); err != nil {
			t.Fatalf("Decode(% x): %v", msg, err)
		}
		if !bytes.Equal(dec, msg) {
			t.Errorf("round trip % x -> % x", msg, dec)
		}
	}
}

func TestDecodeInPlace(t *testing.T) {
	msg := []byte{0x1f, 0x44, 0x93, 0x15}
	enc := Encode(nil, msg)
	if err := Decode(enc, enc, len(msg)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc[:len(msg)], msg) {
		t.Errorf("in-place decode: % x, want % x", enc[:len(msg)], msg)
	}
}

func TestEncodeKnown(t *testing.T) {
	// 0x00 encodes as codeword 0x16 twice plus postamble bits.
	got := Encode(nil, []byte{0x00})
	want := []byte{0x59, 0x65}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(00) = % x, want % x", got, want)
	}
}

func TestDecodeIllegal(t *testing.T) {
	// 0x3f has six bits set and is not a valid codeword.
	err := Decode(make([]byte, 2), []byte{0xff, 0xff, 0xff}, 2)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want *Error", err)
	}
}

func TestEncodedSize(t *testing.T) {
	for n, want := range map[int]int{0: 0, 1: 2, 2: 3, 3: 5, 4: 6, 47: 71} {
		if got := EncodedSize(n); got != want {
			t.Errorf("EncodedSize(%d) = %d, want %d", n, got, want)
		}
	}
}
