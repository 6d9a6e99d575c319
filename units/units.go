// Package units models the physical quantities and display units used
// by meter drivers, and converts extracted values between units of the
// same quantity.
package units

import (
	"fmt"
	"strings"
)

// Quantity is the physical dimension of a field.
type Quantity uint8

const (
	Energy Quantity = iota
	Volume
	Flow
	Mass
	MassFlow
	Power
	Temperature
	Pressure
	Time
	HCAQ
	Counter
	Voltage
	Amperage
	RelativeHumidity
	PointInTime
	Text
)

func (q Quantity) String() string {
	switch q {
	case Energy:
		return "energy"
	case Volume:
		return "volume"
	case Flow:
		return "flow"
	case Mass:
		return "mass"
	case MassFlow:
		return "mass_flow"
	case Power:
		return "power"
	case Temperature:
		return "temperature"
	case Pressure:
		return "pressure"
	case Time:
		return "time"
	case HCAQ:
		return "hca"
	case Counter:
		return "counter"
	case Voltage:
		return "voltage"
	case Amperage:
		return "amperage"
	case RelativeHumidity:
		return "relative_humidity"
	case PointInTime:
		return "point_in_time"
	case Text:
		return "text"
	}
	return "unknown"
}

// Unit is a display or decode unit.
type Unit uint8

const (
	KWH Unit = iota
	MWH
	MJ
	GJ
	M3
	L
	M3H
	LH
	KG
	T
	KGH
	KW
	W
	C
	K
	BAR
	MBAR
	Second
	Minute
	Hour
	Day
	HCA
	COUNT
	Volt
	Ampere
	RH
	DateTime
	DateOnly
	TXT
)

// info describes a unit: its quantity, the lowercase suffix used in
// JSON field names, and the factor to the quantity's base unit.
type info struct {
	quantity Quantity
	suffix   string
	factor   float64
	offset   float64
}

var table = map[Unit]info{
	KWH:      {Energy, "kwh", 1, 0},
	MWH:      {Energy, "mwh", 1000, 0},
	MJ:       {Energy, "mj", 1.0 / 3.6, 0},
	GJ:       {Energy, "gj", 1000.0 / 3.6, 0},
	M3:       {Volume, "m3", 1, 0},
	L:        {Volume, "l", 0.001, 0},
	M3H:      {Flow, "m3h", 1, 0},
	LH:       {Flow, "lh", 0.001, 0},
	KG:       {Mass, "kg", 1, 0},
	T:        {Mass, "t", 1000, 0},
	KGH:      {MassFlow, "kgh", 1, 0},
	KW:       {Power, "kw", 1, 0},
	W:        {Power, "w", 0.001, 0},
	C:        {Temperature, "c", 1, 0},
	K:        {Temperature, "k", 1, -273.15},
	BAR:      {Pressure, "bar", 1, 0},
	MBAR:     {Pressure, "mbar", 0.001, 0},
	Second:   {Time, "s", 1.0 / 3600, 0},
	Minute:   {Time, "min", 1.0 / 60, 0},
	Hour:     {Time, "h", 1, 0},
	Day:      {Time, "d", 24, 0},
	HCA:      {HCAQ, "hca", 1, 0},
	COUNT:    {Counter, "counter", 1, 0},
	Volt:     {Voltage, "v", 1, 0},
	Ampere:   {Amperage, "a", 1, 0},
	RH:       {RelativeHumidity, "rh", 1, 0},
	DateTime: {PointInTime, "datetime", 1, 0},
	DateOnly: {PointInTime, "date", 1, 0},
	TXT:      {Text, "txt", 1, 0},
}

// Quantity returns the physical dimension of u.
func (u Unit) Quantity() Quantity { return table[u].quantity }

// Suffix is the lowercase unit suffix appended to JSON field names,
// e.g. "m3" in total_m3.
func (u Unit) Suffix() string { return table[u].suffix }

func (u Unit) String() string { return strings.ToUpper(table[u].suffix) }

// Convert converts v from one unit to another of the same quantity.
func Convert(v float64, from, to Unit) (float64, error) {
	f, ok := table[from]
	if !ok {
		return 0, fmt.Errorf("units: unknown unit %d", from)
	}
	t, ok := table[to]
	if !ok {
		return 0, fmt.Errorf("units: unknown unit %d", to)
	}
	if f.quantity != t.quantity {
		return 0, fmt.Errorf("units: cannot convert %s to %s", from, to)
	}
	base := (v + f.offset) * f.factor
	return base/t.factor - t.offset, nil
}

// MustConvert is Convert for unit pairs the caller has validated at
// registration time.
func MustConvert(v float64, from, to Unit) float64 {
	r, err := Convert(v, from, to)
	if err != nil {
		panic(err)
	}
	return r
}
