// Package dv decodes M-Bus data records: DIF/DIFE chains, VIF/VIFE
// chains and their data bytes. Each record becomes one immutable
// Entry keyed by the hex string of its DIF/VIF bytes.
package dv

import (
	"fmt"

	"wmbusd.dev/crc16"
)

// MeasurementType is the DIF function field.
type MeasurementType uint8

const (
	Instantaneous MeasurementType = iota
	Maximum
	Minimum
	AtError
	// AnyType matches every measurement type in a FieldMatcher.
	AnyType
)

func (m MeasurementType) String() string {
	switch m {
	case Instantaneous:
		return "instantaneous"
	case Maximum:
		return "maximum"
	case Minimum:
		return "minimum"
	case AtError:
		return "aterror"
	}
	return "any"
}

// Entry is one decoded data record. Entries are immutable once
// parsed; extraction never mutates them.
type Entry struct {
	// Offset of the data bytes relative to the start of the record
	// area handed to Parse.
	Offset int
	// Key is the uppercase hex of the DIF/DIFEs/VIF/VIFEs, suffixed
	// _2, _3... for repeated identical chains.
	Key string
	// MType is the DIF function field.
	MType MeasurementType
	// Vif is the 7-bit primary VIF, widened to 16 bits for the
	// extension tables (0x7Bxx, 0x7Dxx, 0x6Fxx, 0x7Fxx).
	Vif uint16
	// Combinables holds the 16-bit codes of all combinable VIFEs.
	Combinables map[uint16]bool
	Storage     int
	Tariff      int
	SubUnit     int
	// Value is the raw data bytes as uppercase hex.
	Value string
}

func (e *Entry) HasCombinables() bool { return len(e.Combinables) > 0 }

// dif special length markers.
const (
	lenVariable = -1
	lenSpecial  = -2
)

// difLen returns the data byte count implied by the DIF low nibble.
func difLen(dif byte) int {
	switch dif & 0x0f {
	case 0x0, 0x8:
		return 0
	case 0x1, 0x9:
		return 1
	case 0x2, 0xa:
		return 2
	case 0x3, 0xb:
		return 3
	case 0x4, 0x5, 0xc:
		return 4
	case 0x6, 0xe:
		return 6
	case 0x7:
		return 8
	case 0xd:
		return lenVariable
	default:
		if dif == 0x2f {
			return 1 // Pad byte.
		}
		return lenSpecial
	}
}

func difMeasurementType(dif byte) MeasurementType {
	return MeasurementType(dif >> 4 & 0x03)
}

// Records is the result of walking one record area.
type Records struct {
	// Entries in telegram order.
	Entries []*Entry
	ByKey   map[string]*Entry
	// FormatBytes is the DIF/VIF skeleton observed (or supplied),
	// Signature its EN 13757 CRC. Compact frames (TPL CI 0x79)
	// reference a previous long frame through this signature.
	FormatBytes []byte
	Signature   uint16
	// MfctStart is the offset just after a 0x0F/0x1F marker (or the
	// forced index), -1 when the telegram has no manufacturer data.
	MfctStart int
}

// Trace receives one annotation per parsed region. content marks data
// bytes as opposed to protocol bytes; understood is false for
// manufacturer specific and otherwise undecodable regions.
type Trace func(off, n int, text string, content, understood bool)

func nopTrace(int, int, string, bool, bool) {}

// Options adjust a Parse run.
type Options struct {
	// Format supplies the DIF/VIF skeleton for compact frames whose
	// data bytes carry no DIF/VIFs of their own.
	Format []byte
	// ForceMfctIndex treats everything at or after this offset as
	// manufacturer specific; zero disables. Used for meters that
	// never send a 0x0F marker.
	ForceMfctIndex int
	Trace          Trace
}

// Parse walks data left to right and decodes every record. Parsing
// never fails hard: truncated or unknown trailing bytes end the walk
// with the records decoded so far.
func Parse(data []byte, opts Options) *Records {
	trace := opts.Trace
	if trace == nil {
		trace = nopTrace
	}
	r := &Records{
		ByKey:     make(map[string]*Entry),
		MfctStart: -1,
	}
	// When a format skeleton is supplied the data area holds only
	// data bytes; DIF/VIFs come from the skeleton and offsets into
	// the skeleton do not advance the data cursor.
	format := opts.Format
	inline := format == nil
	if inline {
		format = data
	}
	fpos, pos := 0, 0
	count := make(map[string]int)

	for fpos < len(format) {
		if inline {
			fpos = pos
			if fpos >= len(format) {
				break
			}
		}
		if opts.ForceMfctIndex > 0 && pos >= opts.ForceMfctIndex && pos < len(data) {
			n := len(data) - pos
			trace(pos, n, fmt.Sprintf("manufacturer specific data %02X", data[pos:]), true, false)
			r.MfctStart = pos
			break
		}

		dif := format[fpos]
		datalen := difLen(dif)
		if datalen == lenSpecial {
			n := len(data) - pos
			if n <= 0 {
				break
			}
			r.MfctStart = pos + 1
			switch dif {
			case 0x0f:
				trace(pos, n, fmt.Sprintf("%02X manufacturer specific data %02X", dif, data[pos+1:]), true, false)
			case 0x1f:
				trace(pos, n, fmt.Sprintf("%02X more data in next telegram %02X", dif, data[pos+1:]), true, true)
			default:
				trace(pos, n, fmt.Sprintf("%02X unknown dif, treating remaining data as manufacturer specific", dif), true, false)
			}
			return r
		}
		if dif == 0x2f {
			trace(pos, 1, "2F skip", false, true)
			if inline {
				pos++
			} else {
				fpos++
			}
			continue
		}

		var id []byte
		id = append(id, dif)
		if inline {
			trace(pos, 1, fmt.Sprintf("%02X dif (%s)", dif, difMeasurementType(dif)), false, true)
			pos++
		}
		fpos++
		r.FormatBytes = append(r.FormatBytes, dif)

		mt := difMeasurementType(dif)
		storage := int(dif >> 6 & 0x01)
		tariff, subunit := 0, 0

		// DIFE chain.
		for n := 0; fpos < len(format) && id[len(id)-1]&0x80 != 0; n++ {
			dife := format[fpos]
			subunit |= int(dife>>6&0x01) << n
			tariff |= int(dife>>4&0x03) << (n * 2)
			storage |= int(dife&0x0f) << (1 + n*4)
			id = append(id, dife)
			r.FormatBytes = append(r.FormatBytes, dife)
			if inline {
				trace(pos, 1, fmt.Sprintf("%02X dife (subunit=%d tariff=%d storagenr=%d)", dife, subunit, tariff, storage), false, true)
				pos++
			}
			fpos++
		}
		if fpos >= len(format) {
			break
		}

		vifByte := format[fpos]
		fullVif := uint16(vifByte & 0x7f)
		// 0xFB, 0xFD, 0xEF and 0xFF select the extension tables; the
		// next VIFE completes the code.
		extension := vifByte == 0xfb || vifByte == 0xfd || vifByte == 0xef || vifByte == 0xff
		if extension {
			fullVif <<= 8
		}
		id = append(id, vifByte)
		r.FormatBytes = append(r.FormatBytes, vifByte)
		if inline {
			trace(pos, 1, fmt.Sprintf("%02X vif", vifByte), false, true)
			pos++
		}
		fpos++

		// Text VIF: length-prefixed unit string.
		if vifByte == 0x7c {
			if fpos >= len(format) {
				break
			}
			viflen := int(format[fpos])
			id = append(id, format[fpos])
			if inline {
				trace(pos, 1, fmt.Sprintf("%02X viflen (%d)", viflen, viflen), false, true)
				pos++
			}
			fpos++
			for i := 0; i < viflen && fpos < len(format); i++ {
				id = append(id, format[fpos])
				if inline {
					trace(pos, 1, fmt.Sprintf("%02X vif (%c)", format[fpos], format[fpos]), false, true)
					pos++
				}
				fpos++
			}
		}

		combinables := make(map[uint16]bool)
		var combinable uint16
		combExtension := false
		for fpos < len(format) && id[len(id)-1]&0x80 != 0 {
			vife := format[fpos]
			id = append(id, vife)
			r.FormatBytes = append(r.FormatBytes, vife)
			if inline {
				pos++
			}
			fpos++

			switch {
			case extension:
				// First VIFE after the extension marker completes
				// the primary VIF.
				fullVif |= uint16(vife & 0x7f)
				extension = false
				if inline {
					trace(pos-1, 1, fmt.Sprintf("%02X vife", vife), false, true)
				}
			case combExtension:
				combinable |= uint16(vife & 0x7f)
				combinables[combinable] = true
				combExtension = false
				if inline {
					trace(pos-1, 1, fmt.Sprintf("%02X combinable extension vife", vife), false, true)
				}
			default:
				combinable = uint16(vife & 0x7f)
				if combinable == 0x7c || combinable == 0x7f {
					// Combinable sub-extension, widened to 16 bits.
					combinable <<= 8
					combExtension = true
				} else {
					combinables[combinable] = true
				}
				if inline {
					trace(pos-1, 1, fmt.Sprintf("%02X combinable vif", vife), false, true)
				}
			}
		}

		key := fmt.Sprintf("%X", id)
		count[key]++
		if n := count[key]; n > 1 {
			key = fmt.Sprintf("%s_%d", key, n)
		}

		remaining := len(data) - pos
		if remaining < 1 {
			break
		}
		if datalen == lenVariable {
			datalen = int(data[pos])
			trace(pos, 1, fmt.Sprintf("%02X varlen=%d", data[pos], datalen), false, true)
			pos++
			remaining--
		}
		if remaining < datalen {
			// Truncated record: keep what is there.
			datalen = remaining
		}

		value := fmt.Sprintf("%X", data[pos:pos+datalen])
		e := &Entry{
			Offset:      pos,
			Key:         key,
			MType:       mt,
			Vif:         fullVif,
			Combinables: combinables,
			Storage:     storage,
			Tariff:      tariff,
			SubUnit:     subunit,
			Value:       value,
		}
		r.Entries = append(r.Entries, e)
		r.ByKey[key] = e
		if datalen > 0 {
			trace(pos, datalen, value, true, false)
			pos += datalen
		}
		if pos >= len(data) {
			break
		}
	}

	r.Signature = crc16.Checksum(r.FormatBytes)
	return r
}
