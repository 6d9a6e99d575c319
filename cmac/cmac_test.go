package cmac

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// RFC 4493 test vectors.
var key = "2b7e151628aed2a6abf7158809cf4f3c"

func TestSubkeys(t *testing.T) {
	k1, k2, err := Subkeys(unhex(t, key))
	if err != nil {
		t.Fatal(err)
	}
	wantK1 := unhex(t, "fbeed618357133667c85e08f7236a8de")
	wantK2 := unhex(t, "f7ddac306ae266ccf90bc11ee46d513b")
	if !bytes.Equal(k1[:], wantK1) {
		t.Errorf("K1 = %x, want %s", k1, wantK1)
	}
	if !bytes.Equal(k2[:], wantK2) {
		t.Errorf("K2 = %x, want %s", k2, wantK2)
	}
}

func TestSum(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"", "bb1d6929e95937287fa37d129b756746"},
		{"6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411", "dfa66747de9ae63030ca32611497c827"},
		{"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411e5fbc1191a0a52eff69f2445df4f9b17ad2b417be66c3710", "51f0bebf7e3b9d92fc49741779363cfe"},
	}
	for _, tc := range tests {
		mac, err := Sum(unhex(t, key), unhex(t, tc.msg))
		if err != nil {
			t.Fatal(err)
		}
		if got := hex.EncodeToString(mac[:]); got != tc.want {
			t.Errorf("Sum(%s) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}
