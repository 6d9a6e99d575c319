package wmbus

import (
	"sort"
	"strings"
)

// DecodeTPLStatus decodes the standard bits 0-4 of the TPL status
// byte. Bits 5-7 are manufacturer specific and handled by
// DecodeTPLStatusWithMfct.
func DecodeTPLStatus(sts byte) string {
	if sts == 0 {
		return "OK"
	}
	var flags []string
	switch sts & 0x03 {
	case 0x01:
		flags = append(flags, "BUSY")
	case 0x02:
		flags = append(flags, "ERROR")
	case 0x03:
		flags = append(flags, "ALARM")
	}
	if sts&0x04 != 0 {
		flags = append(flags, "POWER_LOW")
	}
	if sts&0x08 != 0 {
		flags = append(flags, "PERMANENT_ERROR")
	}
	if sts&0x10 != 0 {
		flags = append(flags, "TEMPORARY_ERROR")
	}
	return strings.Join(flags, " ")
}

// DecodeTPLStatusWithMfct joins the standard bits with the vendor
// bits translated through the driver's lookup table.
func DecodeTPLStatusWithMfct(sts byte, mfctBits func(byte) string) string {
	s := DecodeTPLStatus(sts)
	t := "OK"
	if v := sts & 0xe0; v != 0 {
		if mfctBits != nil {
			t = mfctBits(v)
		} else {
			t = unknownBits(v)
		}
	}
	return JoinStatusOK(s, t)
}

func unknownBits(v byte) string {
	const hexdigits = "0123456789ABCDEF"
	return "UNKNOWN_" + string([]byte{hexdigits[v>>4], hexdigits[v&0x0f]})
}

// JoinStatusOK joins two status strings; OK, null and empty act as
// neutral elements.
func JoinStatusOK(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	neutral := func(s string) bool { return s == "" || s == "OK" || s == "null" }
	switch {
	case neutral(a) && neutral(b):
		return "OK"
	case neutral(a):
		return b
	case neutral(b):
		return a
	}
	return a + " " + b
}

// SortStatus sorts the space-separated tokens of a status string and
// removes duplicates, making rendered status deterministic.
func SortStatus(s string) string {
	seen := make(map[string]bool)
	var flags []string
	for _, f := range strings.Fields(s) {
		if !seen[f] {
			seen[f] = true
			flags = append(flags, f)
		}
	}
	sort.Strings(flags)
	return strings.Join(flags, " ")
}
