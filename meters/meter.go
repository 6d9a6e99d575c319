package meters

import (
	"fmt"
	"log"

	"wmbusd.dev/dv"
	"wmbusd.dev/frame"
	"wmbusd.dev/units"
	"wmbusd.dev/wmbus"
)

// Meter is a live configured device: a driver bound to an address
// expression and keys, holding the most recent extracted values.
type Meter struct {
	Name   string
	Expr   wmbus.AddressExpr
	Keys   wmbus.MeterKeys
	Driver *DriverInfo
	// SelectedFields overrides the driver's default human readable
	// field selection.
	SelectedFields []string
	// ExtraConstantFields are name=value pairs added verbatim to the
	// JSON.
	ExtraConstantFields map[string]string

	numeric    map[valueKey]float64
	strs       map[string]string
	numUpdates int

	warnedDriver  bool
	warnedFailure bool
}

type valueKey struct {
	name string
	unit units.Unit
}

// NewMeter builds a meter from its configuration pieces.
func NewMeter(name string, expr wmbus.AddressExpr, keys wmbus.MeterKeys, driver *DriverInfo) *Meter {
	return &Meter{
		Name:    name,
		Expr:    expr,
		Keys:    keys,
		Driver:  driver,
		numeric: make(map[valueKey]float64),
		strs:    make(map[string]string),
	}
}

// SetNumericValue stores a numeric field value under its display
// unit; driver ProcessContent hooks use it too.
func (m *Meter) SetNumericValue(name string, unit units.Unit, v float64) {
	m.numeric[valueKey{name, unit}] = v
}

// SetStringValue stores a string field value.
func (m *Meter) SetStringValue(name, v string) {
	m.strs[name] = v
}

// NumericValue returns a previously extracted value.
func (m *Meter) NumericValue(name string, unit units.Unit) (float64, bool) {
	v, ok := m.numeric[valueKey{name, unit}]
	return v, ok
}

// StringValue returns a previously extracted string.
func (m *Meter) StringValue(name string) (string, bool) {
	v, ok := m.strs[name]
	return v, ok
}

// NumUpdates counts accepted telegrams.
func (m *Meter) NumUpdates() int { return m.numUpdates }

// AcceptsTelegram checks the address expression against the parsed
// header addresses (DLL and, when present, TPL).
func (m *Meter) AcceptsTelegram(t *wmbus.Telegram) bool {
	for _, a := range t.Addresses {
		if m.Expr.Matches(a) {
			return true
		}
	}
	return false
}

// HandleTelegram parses the frame with the meter's keys and runs the
// extraction pipeline. It returns the updated telegram and whether
// the telegram was accepted for this meter.
func (m *Meter) HandleTelegram(about wmbus.AboutTelegram, f *frame.Frame) (*wmbus.Telegram, bool) {
	t := wmbus.NewTelegram(about)
	if !t.ParseHeader(f) || !m.AcceptsTelegram(t) {
		return nil, false
	}

	a := t.Address()
	if !m.Driver.matches(a.Mfct, a.Type, a.Version) && !m.warnedDriver {
		m.warnedDriver = true
		possible := DetectDrivers(a.Mfct, a.Type, a.Version)
		log.Printf("meter %s: detection %s/%02x/%02x does not match driver %s (candidates: %v)",
			m.Name, a.MfctString(), a.Type, a.Version, m.Driver.Name, possible)
		// Still attempt parsing; a user testing a new meter version
		// with an old driver is common.
	}

	if m.Driver.ForceMfctIndex > 0 {
		t.ForceMfctIndex = m.Driver.ForceMfctIndex
	}
	ok := t.Parse(f, &m.Keys, !m.warnedFailure)
	if !ok && !t.DecryptionFailed {
		return t, false
	}
	if t.DecryptionFailed && !m.warnedFailure {
		m.warnedFailure = true
		log.Printf("meter %s: could not decrypt telegram from %s, wrong key?", m.Name, a.IDString())
	}

	t.Handled = true
	m.numUpdates++
	if !t.DecryptionFailed {
		m.extractFields(t)
		if m.Driver.ProcessContent != nil {
			m.Driver.ProcessContent(m, t)
		}
		m.calculateFields()
	}
	return t, true
}

// extractFields runs every driver field matcher over the record
// entries in telegram order.
func (m *Meter) extractFields(t *wmbus.Telegram) {
	if t.Records == nil {
		return
	}
	entries := t.Records.Entries

	extracted := make(map[*FieldInfo]bool)
	for i := range m.Driver.Fields {
		fi := &m.Driver.Fields[i]
		if !fi.hasMatcher() {
			continue
		}
		matchNr := 0
		for _, e := range entries {
			if !fi.Matcher.Matches(e) {
				continue
			}
			matchNr++
			if matchNr != fi.Matcher.index() && !fi.Matcher.multi() {
				// Right matcher, wrong occurrence.
				continue
			}
			if extracted[fi] && !fi.Matcher.multi() {
				continue
			}
			m.extractField(fi, t, e)
			extracted[fi] = true
		}
	}

	// Fields without a matcher capture the TPL status; fields whose
	// matcher found nothing may still need it.
	for i := range m.Driver.Fields {
		fi := &m.Driver.Fields[i]
		switch {
		case !fi.hasMatcher() && fi.Props.Has(IncludeTPLStatus):
			m.SetStringValue(fi.tmpl.expand(nil), m.statusOf(t))
		case fi.hasMatcher() && !extracted[fi] && fi.Props.Has(IncludeTPLStatus):
			m.SetStringValue(fi.tmpl.expand(nil), m.statusOf(t))
		}
	}
}

// statusOf decodes the TPL status byte through the driver's mfct bit
// table.
func (m *Meter) statusOf(t *wmbus.Telegram) string {
	var mfct func(byte) string
	if m.Driver.MfctStatusBits != nil {
		mfct = m.Driver.MfctStatusBits.TranslateByte
	}
	return wmbus.DecodeTPLStatusWithMfct(t.TplSts, mfct)
}

func (m *Meter) extractField(fi *FieldInfo, t *wmbus.Telegram, e *dv.Entry) {
	name := fi.tmpl.expand(e)
	if fi.Quantity == units.Text {
		m.extractString(fi, name, t, e)
		return
	}
	m.extractNumeric(fi, name, t, e)
}

func (m *Meter) extractNumeric(fi *FieldInfo, name string, t *wmbus.Telegram, e *dv.Entry) {
	if fi.Quantity == units.PointInTime {
		d, err := e.Date()
		if err != nil {
			return
		}
		if fi.Unit == units.DateOnly {
			m.SetStringValue(name, d.Format("2006-01-02"))
		} else {
			m.SetStringValue(name, d.Format("2006-01-02 15:04"))
		}
		return
	}

	v, err := e.Double(fi.Scaling.auto(), fi.Scaling.forceUnsigned())
	if err != nil {
		// A failed extraction leaves the field unset, never aborts
		// the telegram.
		return
	}
	decoded := fi.Unit
	switch fi.Matcher.Range {
	case dv.AnyEnergyVIF, dv.AnyVolumeVIF, dv.AnyPowerVIF:
		if u, ok := dv.UnitOf(e.Vif); ok {
			decoded = u
		}
	case dv.RangeNone, dv.RangeAny:
		// Exact difvif matchers decode straight into the display
		// unit.
	default:
		if u, ok := fi.Matcher.Range.DefaultUnit(); ok {
			decoded = u
		}
	}
	if fi.Scale != 0 {
		v *= fi.Scale
	}
	out, err := units.Convert(v, decoded, fi.Unit)
	if err != nil {
		return
	}
	m.SetNumericValue(name, fi.Unit, out)
}

func (m *Meter) extractString(fi *FieldInfo, name string, t *wmbus.Telegram, e *dv.Entry) {
	if fi.Lookup != nil || fi.Props.Has(IncludeTPLStatus) {
		var translated string
		if fi.Lookup != nil {
			bits, err := e.Long()
			if err != nil {
				return
			}
			translated = fi.Lookup.Translate(bits)
		}
		if fi.Props.Has(IncludeTPLStatus) {
			translated = wmbus.JoinStatusOK(translated, m.statusOf(t))
		}
		m.SetStringValue(name, translated)
		return
	}
	switch fi.Matcher.Range {
	case dv.DateTime:
		d, err := e.Date()
		if err != nil {
			return
		}
		m.SetStringValue(name, d.Format("2006-01-02 15:04"))
	case dv.Date:
		d, err := e.Date()
		if err != nil {
			return
		}
		m.SetStringValue(name, d.Format("2006-01-02"))
	default:
		m.SetStringValue(name, e.ReadableString())
	}
}

// calculateFields evaluates formula fields in declaration order.
// Formulas may reference earlier fields but must not form cycles.
func (m *Meter) calculateFields() {
	for i := range m.Driver.Fields {
		fi := &m.Driver.Fields[i]
		if fi.Formula == "" || fi.hasMatcher() {
			continue
		}
		v, err := m.evalFormula(fi)
		if err != nil {
			log.Printf("meter %s: formula for %s: %v", m.Name, fi.Name, err)
			continue
		}
		m.SetNumericValue(fi.tmpl.expand(nil), fi.Unit, v)
	}
}

// status assembles the canonical status string: the Status field
// value joined with every InjectIntoStatus contribution, sorted and
// deduplicated, OK when empty.
func (m *Meter) status() (name, value string, ok bool) {
	var statusField *FieldInfo
	for i := range m.Driver.Fields {
		if m.Driver.Fields[i].Props.Has(Status) {
			statusField = &m.Driver.Fields[i]
			break
		}
	}
	if statusField == nil {
		return "", "", false
	}
	name = statusField.tmpl.expand(nil)
	value, found := m.StringValue(name)
	if !found {
		value = "null"
	}
	for i := range m.Driver.Fields {
		fi := &m.Driver.Fields[i]
		if !fi.Props.Has(InjectIntoStatus) {
			continue
		}
		if more, ok := m.StringValue(fi.tmpl.expand(nil)); ok {
			value = wmbus.JoinStatusOK(value, more)
		}
	}
	value = wmbus.SortStatus(value)
	if value == "" {
		value = "OK"
	}
	return name, value, true
}

// media names the telegram's medium for the JSON media field.
func (m *Meter) media(t *wmbus.Telegram) string {
	typ := t.DllType
	if t.TplIDFound {
		typ = t.TplType
	}
	if s := wmbus.MediaType(typ); s != "unknown" {
		return s
	}
	if m.Driver.Media != "" {
		return m.Driver.Media
	}
	return "unknown"
}

func (m *Meter) String() string {
	return fmt.Sprintf("%s(%s)", m.Name, m.Driver.Name)
}
