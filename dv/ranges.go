package dv

import "wmbusd.dev/units"

// Range names an interval of VIF codes sharing a quantity and a
// default decode unit.
type Range uint8

const (
	RangeNone Range = iota
	RangeAny
	Volume
	OnTime
	OperatingTime
	VolumeFlow
	FlowTemperature
	ReturnTemperature
	TemperatureDifference
	ExternalTemperature
	Pressure
	HeatCostAllocation
	Date
	DateTime
	EnergyMJ
	EnergyWh
	EnergyMWh
	PowerW
	ActualityDuration
	FabricationNo
	EnhancedIdentification
	RelativeHumidity
	AccessNumber
	Manufacturer
	ParameterSet
	ModelVersion
	HardwareVersion
	FirmwareVersion
	SoftwareVersion
	Location
	Customer
	ErrorFlags
	DurationSinceReadout
	DurationOfTariff
	Dimensionless
	Voltage
	Amperage
	ResetCounter
	CumulationCounter
	RemainingBattery
	// The Any* ranges match every VIF of their quantity; extraction
	// uses the telegram's actual unit instead of a fixed default.
	AnyVolumeVIF
	AnyEnergyVIF
	AnyPowerVIF
)

type rangeInfo struct {
	from, to uint16
	quantity units.Quantity
	unit     units.Unit
}

var rangeTable = map[Range]rangeInfo{
	Volume:                 {0x10, 0x17, units.Volume, units.M3},
	OnTime:                 {0x20, 0x23, units.Time, units.Hour},
	OperatingTime:          {0x24, 0x27, units.Time, units.Hour},
	VolumeFlow:             {0x38, 0x3f, units.Flow, units.M3H},
	FlowTemperature:        {0x58, 0x5b, units.Temperature, units.C},
	ReturnTemperature:      {0x5c, 0x5f, units.Temperature, units.C},
	TemperatureDifference:  {0x60, 0x63, units.Temperature, units.K},
	ExternalTemperature:    {0x64, 0x67, units.Temperature, units.C},
	Pressure:               {0x68, 0x6b, units.Pressure, units.BAR},
	HeatCostAllocation:     {0x6e, 0x6e, units.HCAQ, units.HCA},
	Date:                   {0x6c, 0x6c, units.PointInTime, units.DateOnly},
	DateTime:               {0x6d, 0x6d, units.PointInTime, units.DateTime},
	EnergyMJ:               {0x08, 0x0f, units.Energy, units.MJ},
	EnergyWh:               {0x00, 0x07, units.Energy, units.KWH},
	EnergyMWh:              {0x7b00, 0x7b01, units.Energy, units.KWH},
	PowerW:                 {0x28, 0x2f, units.Power, units.KW},
	ActualityDuration:      {0x74, 0x77, units.Time, units.Hour},
	FabricationNo:          {0x78, 0x78, units.Text, units.TXT},
	EnhancedIdentification: {0x79, 0x79, units.Text, units.TXT},
	RelativeHumidity:       {0x7b1a, 0x7b1b, units.RelativeHumidity, units.RH},
	AccessNumber:           {0x7d08, 0x7d08, units.Counter, units.COUNT},
	Manufacturer:           {0x7d0a, 0x7d0a, units.Text, units.TXT},
	ParameterSet:           {0x7d0b, 0x7d0b, units.Text, units.TXT},
	ModelVersion:           {0x7d0c, 0x7d0c, units.Text, units.TXT},
	HardwareVersion:        {0x7d0d, 0x7d0d, units.Text, units.TXT},
	FirmwareVersion:        {0x7d0e, 0x7d0e, units.Text, units.TXT},
	SoftwareVersion:        {0x7d0f, 0x7d0f, units.Text, units.TXT},
	Location:               {0x7d10, 0x7d10, units.Text, units.TXT},
	Customer:               {0x7d11, 0x7d11, units.Text, units.TXT},
	ErrorFlags:             {0x7d17, 0x7d17, units.Text, units.TXT},
	DurationSinceReadout:   {0x7d2c, 0x7d2f, units.Time, units.Hour},
	DurationOfTariff:       {0x7d31, 0x7d33, units.Time, units.Hour},
	Dimensionless:          {0x7d3a, 0x7d3a, units.Counter, units.COUNT},
	Voltage:                {0x7d40, 0x7d4f, units.Voltage, units.Volt},
	Amperage:               {0x7d50, 0x7d5f, units.Amperage, units.Ampere},
	ResetCounter:           {0x7d60, 0x7d60, units.Counter, units.COUNT},
	CumulationCounter:      {0x7d61, 0x7d61, units.Counter, units.COUNT},
	RemainingBattery:       {0x7d74, 0x7d74, units.Time, units.Day},
}

// Contains reports whether vif falls inside the range.
func (r Range) Contains(vif uint16) bool {
	switch r {
	case RangeAny:
		return true
	case RangeNone:
		return false
	case AnyVolumeVIF:
		return Volume.Contains(vif)
	case AnyEnergyVIF:
		return EnergyWh.Contains(vif) || EnergyMJ.Contains(vif) || EnergyMWh.Contains(vif)
	case AnyPowerVIF:
		return PowerW.Contains(vif)
	}
	ri, ok := rangeTable[r]
	return ok && ri.from <= vif && vif <= ri.to
}

// DefaultUnit returns the canonical unit values of this range decode
// to after VIF scaling.
func (r Range) DefaultUnit() (units.Unit, bool) {
	ri, ok := rangeTable[r]
	return ri.unit, ok
}

// UnitOf returns the canonical unit of a concrete VIF code, used by
// the Any* ranges to find the unit the telegram actually used.
func UnitOf(vif uint16) (units.Unit, bool) {
	vif &= 0x7f7f
	for _, ri := range rangeTable {
		if ri.from <= vif && vif <= ri.to {
			return ri.unit, true
		}
	}
	return 0, false
}
