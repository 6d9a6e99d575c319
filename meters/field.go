// Package meters routes telegrams to configured meters and extracts
// driver-declared fields from their data records.
package meters

import (
	"fmt"
	"strconv"
	"strings"

	"wmbusd.dev/dv"
	"wmbusd.dev/units"
)

// VifScaling selects how a numeric extraction treats the VIF scale
// factor and the sign of full-width integers.
type VifScaling uint8

const (
	AutoScale VifScaling = iota
	NoScale
	AutoScaleSigned
	NoScaleSigned
)

func (v VifScaling) auto() bool { return v == AutoScale || v == AutoScaleSigned }

func (v VifScaling) forceUnsigned() bool { return v == AutoScale || v == NoScale }

// PrintProperties is a bit set of field output properties.
type PrintProperties uint16

const (
	// Required fields always appear in rendered output.
	Required PrintProperties = 1 << iota
	Deprecated
	// Status marks the canonical meter status field.
	Status
	// IncludeTPLStatus joins the decoded TPL status byte into this
	// field.
	IncludeTPLStatus
	// InjectIntoStatus contributes this field's value to the Status
	// field instead of printing it.
	InjectIntoStatus
	Hide
)

func (p PrintProperties) Has(q PrintProperties) bool { return p&q != 0 }

// FieldMatcher is a predicate over data record entries. All enabled
// clauses must hold for a match.
type FieldMatcher struct {
	// DifVifKey, when set, matches the exact record key and disables
	// every other clause.
	DifVifKey string
	// MType constrains the measurement type; AnyType disables.
	MType dv.MeasurementType
	// Range constrains the VIF; RangeNone disables.
	Range dv.Range
	// VifRaw matches the exact 16-bit VIF code when MatchVifRaw is
	// set, for manufacturer specific VIFs.
	MatchVifRaw bool
	VifRaw      uint16
	// Combinables the entry must carry. An entry carrying combinables
	// not listed here fails the match unless AnyCombinables is set.
	// A matcher with no combinables rejects entries that have any.
	Combinables    []uint16
	AnyCombinables bool
	// Storage/tariff/subunit windows. The zero value matches only
	// number 0, like the wire default.
	StorageFrom, StorageTo int
	TariffFrom, TariffTo   int
	SubUnitFrom, SubUnitTo int
	// IndexNr selects the n:th (1-based) matching entry when a
	// telegram repeats a record. Zero means 1.
	IndexNr int
}

// multi reports whether the matcher spans several storage, tariff or
// subunit numbers and therefore consumes every matching entry.
func (m *FieldMatcher) multi() bool {
	return m.StorageTo > m.StorageFrom || m.TariffTo > m.TariffFrom || m.SubUnitTo > m.SubUnitFrom
}

func (m *FieldMatcher) index() int {
	if m.IndexNr == 0 {
		return 1
	}
	return m.IndexNr
}

// Matches applies every enabled clause to the entry.
func (m *FieldMatcher) Matches(e *dv.Entry) bool {
	if m.DifVifKey != "" {
		return strings.EqualFold(keyBase(e.Key), m.DifVifKey)
	}
	if m.MType != dv.AnyType && e.MType != m.MType {
		return false
	}
	if m.Range != dv.RangeNone && !m.Range.Contains(e.Vif) {
		return false
	}
	if m.MatchVifRaw && e.Vif != m.VifRaw {
		return false
	}
	if e.Storage < m.StorageFrom || e.Storage > m.StorageTo {
		return false
	}
	if e.Tariff < m.TariffFrom || e.Tariff > m.TariffTo {
		return false
	}
	if e.SubUnit < m.SubUnitFrom || e.SubUnit > m.SubUnitTo {
		return false
	}

	if len(m.Combinables) == 0 && !m.AnyCombinables {
		// Combinables are never matched implicitly.
		return !e.HasCombinables()
	}
	for _, c := range m.Combinables {
		if !e.Combinables[c] {
			return false
		}
	}
	if !m.AnyCombinables {
		for c := range e.Combinables {
			if !containsCombinable(m.Combinables, c) {
				// The entry carries a combinable we have no clause
				// for.
				return false
			}
		}
	}
	return true
}

func containsCombinable(cs []uint16, c uint16) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

// keyBase strips the _2, _3... duplicate suffix off a record key.
func keyBase(k string) string {
	if i := strings.IndexByte(k, '_'); i >= 0 {
		return k[:i]
	}
	return k
}

// FieldInfo declares one output field of a driver.
type FieldInfo struct {
	// Name is a template; {storage_counter}, {tariff_counter} and
	// {subunit_counter} expand per matched entry.
	Name     string
	Quantity units.Quantity
	// Unit is the display unit for numeric fields.
	Unit    units.Unit
	Scaling VifScaling
	// Scale is an optional hardcoded factor for manufacturer specific
	// values without VIF units; zero means none.
	Scale float64
	// Matcher selects the record to extract; a FieldInfo without an
	// active matcher is fed by a Formula or the TPL status instead.
	Matcher *FieldMatcher
	// Lookup translates extracted bits into labels.
	Lookup *Lookup
	// Formula computes the value from other fields.
	Formula string
	Props   PrintProperties
	Help    string

	tmpl template
}

// template is a parsed field name: literal runs and counter
// variables.
type template []segment

type segment struct {
	lit string
	cnt counter
}

type counter uint8

const (
	litSegment counter = iota
	storageCounter
	tariffCounter
	subunitCounter
)

func parseTemplate(name string) (template, error) {
	var tm template
	for len(name) > 0 {
		i := strings.IndexByte(name, '{')
		if i < 0 {
			tm = append(tm, segment{lit: name})
			break
		}
		if i > 0 {
			tm = append(tm, segment{lit: name[:i]})
		}
		name = name[i+1:]
		j := strings.IndexByte(name, '}')
		if j < 0 {
			return nil, fmt.Errorf("meters: unterminated placeholder in %q", name)
		}
		switch name[:j] {
		case "storage_counter":
			tm = append(tm, segment{cnt: storageCounter})
		case "tariff_counter":
			tm = append(tm, segment{cnt: tariffCounter})
		case "subunit_counter":
			tm = append(tm, segment{cnt: subunitCounter})
		default:
			return nil, fmt.Errorf("meters: unknown placeholder %q", name[:j])
		}
		name = name[j+1:]
	}
	return tm, nil
}

// expand renders the field name for a matched entry.
func (tm template) expand(e *dv.Entry) string {
	var b strings.Builder
	for _, s := range tm {
		switch s.cnt {
		case litSegment:
			b.WriteString(s.lit)
		case storageCounter:
			b.WriteString(strconv.Itoa(entryCounter(e, storageCounter)))
		case tariffCounter:
			b.WriteString(strconv.Itoa(entryCounter(e, tariffCounter)))
		case subunitCounter:
			b.WriteString(strconv.Itoa(entryCounter(e, subunitCounter)))
		}
	}
	return b.String()
}

func entryCounter(e *dv.Entry, c counter) int {
	if e == nil {
		return 0
	}
	switch c {
	case storageCounter:
		return e.Storage
	case tariffCounter:
		return e.Tariff
	case subunitCounter:
		return e.SubUnit
	}
	return 0
}

// hasMatcher reports whether the field extracts from records.
func (f *FieldInfo) hasMatcher() bool { return f.Matcher != nil }
