// Package wmbus parses wireless M-Bus telegrams: the DLL, ELL, NWL,
// AFL and TPL layers, their security modes (AES-CTR, AES-CBC with and
// without IV, CMAC authentication and the mode 7 key derivation), and
// the data records behind them.
package wmbus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies a meter: 8-digit BCD id, version, device type
// and the manufacturer code of three packed A-Z letters.
type Address struct {
	// ID holds the 4 id bytes in wire order (least significant first).
	ID      [4]byte
	Mfct    uint16
	Version byte
	Type    byte
}

// IDString renders the id in human reading order as 8 hex digits.
func (a Address) IDString() string {
	return fmt.Sprintf("%02x%02x%02x%02x", a.ID[3], a.ID[2], a.ID[1], a.ID[0])
}

// MfctString unpacks the manufacturer code into its three letters,
// e.g. 0x4cae -> "SEN".
func (a Address) MfctString() string {
	return MfctString(a.Mfct)
}

func (a Address) String() string {
	return fmt.Sprintf("%s.M=%s.V=%02x.T=%02x", a.IDString(), a.MfctString(), a.Version, a.Type)
}

// MfctString unpacks a 2-byte manufacturer field into three letters.
func MfctString(m uint16) string {
	return string([]byte{
		byte(m>>10&0x1f) + 'A' - 1,
		byte(m>>5&0x1f) + 'A' - 1,
		byte(m&0x1f) + 'A' - 1,
	})
}

// MfctCode packs three letters into the 2-byte manufacturer field.
func MfctCode(s string) uint16 {
	if len(s) != 3 {
		return 0
	}
	s = strings.ToUpper(s)
	return uint16(s[0]-'A'+1)<<10 | uint16(s[1]-'A'+1)<<5 | uint16(s[2]-'A'+1)
}

// MediaType names a device type byte for the JSON media field.
func MediaType(t byte) string {
	switch t {
	case 0x00:
		return "other"
	case 0x01:
		return "oil"
	case 0x02:
		return "electricity"
	case 0x03:
		return "gas"
	case 0x04:
		return "heat"
	case 0x05:
		return "steam"
	case 0x06:
		return "warm water"
	case 0x07:
		return "water"
	case 0x08:
		return "heat cost allocation"
	case 0x09:
		return "compressed air"
	case 0x0a, 0x0b:
		return "cooling"
	case 0x0c:
		return "heat"
	case 0x0d:
		return "heat/cooling"
	case 0x0e:
		return "bus/system component"
	case 0x15:
		return "hot water"
	case 0x16:
		return "cold water"
	case 0x17:
		return "hot/cold water"
	case 0x18:
		return "pressure"
	case 0x19:
		return "a/d converter"
	case 0x1a:
		return "smoke detector"
	case 0x1c:
		return "room sensor"
	case 0x1d:
		return "gas detector"
	case 0x21:
		return "breaker"
	case 0x25:
		return "customer unit"
	case 0x28:
		return "waste water"
	case 0x29:
		return "garbage"
	case 0x31:
		return "communication controller"
	case 0x32:
		return "unidirectional repeater"
	case 0x37:
		return "radio converter (meter side)"
	}
	return "unknown"
}

// AddressExpr is a parsed address expression:
// id[.M=xxx][.T=xx][.V=xx], where id is 8 hex digits possibly
// containing * wildcards.
type AddressExpr struct {
	ID      string // 8 chars, may contain '*'
	Mfct    uint16 // 0 = any
	Type    int    // -1 = any
	Version int    // -1 = any
}

// ParseAddressExpr parses an address expression.
func ParseAddressExpr(s string) (AddressExpr, error) {
	e := AddressExpr{Type: -1, Version: -1}
	parts := strings.Split(s, ".")
	e.ID = strings.ToLower(parts[0])
	if e.ID == "*" {
		e.ID = "********"
	}
	if len(e.ID) != 8 {
		return e, fmt.Errorf("wmbus: bad id %q in address expression", parts[0])
	}
	for _, c := range e.ID {
		if c != '*' && !strings.ContainsRune("0123456789abcdef", c) {
			return e, fmt.Errorf("wmbus: bad id %q in address expression", parts[0])
		}
	}
	for _, p := range parts[1:] {
		switch {
		case strings.HasPrefix(p, "M="):
			e.Mfct = MfctCode(p[2:])
			if e.Mfct == 0 {
				return e, fmt.Errorf("wmbus: bad manufacturer %q", p)
			}
		case strings.HasPrefix(p, "T="):
			b, err := hex.DecodeString(p[2:])
			if err != nil || len(b) != 1 {
				return e, fmt.Errorf("wmbus: bad type %q", p)
			}
			e.Type = int(b[0])
		case strings.HasPrefix(p, "V="):
			b, err := hex.DecodeString(p[2:])
			if err != nil || len(b) != 1 {
				return e, fmt.Errorf("wmbus: bad version %q", p)
			}
			e.Version = int(b[0])
		default:
			return e, fmt.Errorf("wmbus: bad address part %q", p)
		}
	}
	return e, nil
}

// Matches reports whether the expression accepts an address.
func (e AddressExpr) Matches(a Address) bool {
	id := a.IDString()
	for i := range 8 {
		if e.ID[i] == '*' {
			continue
		}
		if e.ID[i] != id[i] {
			return false
		}
	}
	if e.Mfct != 0 && e.Mfct != a.Mfct {
		return false
	}
	if e.Type >= 0 && byte(e.Type) != a.Type {
		return false
	}
	if e.Version >= 0 && byte(e.Version) != a.Version {
		return false
	}
	return true
}

// UsesWildcard reports whether the id pattern contains a wildcard.
func (e AddressExpr) UsesWildcard() bool {
	return strings.ContainsRune(e.ID, '*')
}
