package units

import (
	"math"
	"testing"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		v        float64
		from, to Unit
		want     float64
	}{
		{1.5, M3, L, 1500},
		{2500, L, M3, 2.5},
		{1, MWH, KWH, 1000},
		{3.6, MJ, KWH, 1},
		{36, Hour, Day, 1.5},
		{90, Minute, Hour, 1.5},
		{300.15, K, C, 27},
		{25, C, K, 298.15},
	}
	for _, tc := range tests {
		got, err := Convert(tc.v, tc.from, tc.to)
		if err != nil {
			t.Fatalf("Convert(%v, %s, %s): %v", tc.v, tc.from, tc.to, err)
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Convert(%v, %s, %s) = %v, want %v", tc.v, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestConvertMismatch(t *testing.T) {
	if _, err := Convert(1, M3, KWH); err == nil {
		t.Error("volume converted to energy")
	}
}

func TestRoundTripPowersOfTen(t *testing.T) {
	for _, v := range []float64{0.001, 1, 123.456, 98765.4321} {
		got := MustConvert(MustConvert(v, M3, L), L, M3)
		if got != v {
			t.Errorf("m3 -> l -> m3: %v != %v", got, v)
		}
	}
}
