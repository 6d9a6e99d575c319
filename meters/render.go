package meters

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"wmbusd.dev/units"
	"wmbusd.dev/wmbus"
)

// Record is the rendered outcome of one accepted telegram.
type Record struct {
	Meter    *Meter
	Telegram *wmbus.Telegram
	// JSON is the stable machine readable rendering.
	JSON []byte
	// Human is the tab separated line over the selected fields.
	Human string
}

// Render produces the output surfaces for a handled telegram.
func (m *Meter) Render(t *wmbus.Telegram) (*Record, error) {
	obj := make(map[string]any)
	obj["media"] = m.media(t)
	obj["meter"] = m.Driver.Name
	obj["name"] = m.Name
	obj["id"] = t.Address().IDString()
	obj["timestamp"] = t.About.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
	if t.About.Device != "" {
		obj["device"] = t.About.Device
		obj["rssi_dbm"] = t.About.RSSI
	}

	statusName, statusValue, hasStatus := m.status()
	if hasStatus {
		if statusValue == "null" {
			obj[statusName] = nil
		} else {
			obj[statusName] = statusValue
		}
	}

	hidden := m.hiddenFields()
	for k, v := range m.numeric {
		if hidden[k.name] {
			continue
		}
		obj[k.name+"_"+k.unit.Suffix()] = v
	}
	for k, v := range m.strs {
		if hidden[k] || (hasStatus && k == statusName) {
			continue
		}
		if v == "null" {
			obj[k] = nil
		} else {
			obj[k] = v
		}
	}
	for k, v := range m.ExtraConstantFields {
		obj[k] = v
	}

	// encoding/json sorts map keys, so rendering is deterministic
	// for a given frame, key and driver set.
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("meters: render: %w", err)
	}
	return &Record{
		Meter:    m,
		Telegram: t,
		JSON:     data,
		Human:    m.FieldsLine(t, '\t'),
	}, nil
}

// hiddenFields collects names whose print properties exclude them
// from output: Hide, and InjectIntoStatus (already merged).
func (m *Meter) hiddenFields() map[string]bool {
	out := make(map[string]bool)
	for i := range m.Driver.Fields {
		fi := &m.Driver.Fields[i]
		if fi.Props.Has(Hide) || fi.Props.Has(InjectIntoStatus) {
			out[fi.tmpl.expand(nil)] = true
		}
	}
	return out
}

// FieldsLine renders the selected fields joined by sep. The name and
// id fields resolve from the meter itself, timestamp from the
// telegram; everything else from extracted values.
func (m *Meter) FieldsLine(t *wmbus.Telegram, sep byte) string {
	fields := m.SelectedFields
	if len(fields) == 0 {
		fields = m.Driver.DefaultFields
	}
	var out []string
	for _, f := range fields {
		out = append(out, m.fieldValue(f, t))
	}
	return strings.Join(out, string(sep))
}

func (m *Meter) fieldValue(name string, t *wmbus.Telegram) string {
	switch name {
	case "name":
		return m.Name
	case "id":
		return t.Address().IDString()
	case "timestamp":
		return t.About.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
	case "device":
		return t.About.Device
	case "rssi_dbm":
		return fmt.Sprintf("%d", t.About.RSSI)
	}
	if v, ok := m.strs[name]; ok {
		return v
	}
	// Numeric selections name the field without unit suffix; find
	// the declared display unit.
	for k, v := range m.numeric {
		if k.name == name {
			return trimFloat(v)
		}
	}
	// Or with the suffix.
	for k, v := range m.numeric {
		if k.name+"_"+k.unit.Suffix() == name {
			return trimFloat(v)
		}
	}
	return "null"
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

// ShellEnv renders the record as METER_* environment variables for
// spawned shell hooks.
func (r *Record) ShellEnv() []string {
	t := r.Telegram
	env := []string{
		"METER_JSON=" + string(r.JSON),
		"METER_TYPE=" + r.Meter.Driver.Name,
		"METER_NAME=" + r.Meter.Name,
		"METER_ID=" + t.Address().IDString(),
		"METER_MEDIA=" + r.Meter.media(t),
		"METER_TIMESTAMP=" + t.About.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if t.About.Device != "" {
		env = append(env,
			"METER_DEVICE="+t.About.Device,
			fmt.Sprintf("METER_RSSI_DBM=%d", t.About.RSSI))
	}
	var keys []string
	for k := range r.Meter.numeric {
		keys = append(keys, k.name+"_"+k.unit.Suffix())
	}
	sort.Strings(keys)
	for _, k := range keys {
		for vk, v := range r.Meter.numeric {
			if vk.name+"_"+vk.unit.Suffix() == k {
				env = append(env, "METER_"+strings.ToUpper(k)+"="+trimFloat(v))
			}
		}
	}
	return env
}

// UnitOfField resolves the display unit a driver declared for a
// field name, for formula consumers.
func (m *Meter) UnitOfField(name string) (units.Unit, bool) {
	for i := range m.Driver.Fields {
		fi := &m.Driver.Fields[i]
		if fi.Name == name {
			return fi.Unit, true
		}
	}
	return 0, false
}
