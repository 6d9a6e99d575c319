package meters

import (
	"log"

	"wmbusd.dev/frame"
	"wmbusd.dev/wmbus"
)

// Dispatcher routes incoming frames to the configured meters. All
// meter state is owned by the task calling Dispatch; no locking.
type Dispatcher struct {
	Meters []*Meter
	// OnRecord receives every rendered record.
	OnRecord func(*Record)
	// AnalyzeUnhandled logs driver candidates for telegrams no meter
	// accepted.
	AnalyzeUnhandled bool
}

// Dispatch parses and routes one link-layer frame. It returns the
// records rendered for the meters that accepted it.
func (d *Dispatcher) Dispatch(about wmbus.AboutTelegram, f *frame.Frame) []*Record {
	var records []*Record
	for _, m := range d.Meters {
		t, ok := m.HandleTelegram(about, f)
		if !ok {
			continue
		}
		rec, err := m.Render(t)
		if err != nil {
			log.Printf("meter %s: %v", m, err)
			continue
		}
		records = append(records, rec)
		if d.OnRecord != nil {
			d.OnRecord(rec)
		}
	}
	if len(records) == 0 && d.AnalyzeUnhandled {
		t := wmbus.NewTelegram(about)
		if t.ParseHeader(f) && len(t.Addresses) > 0 {
			a := t.Address()
			candidates := DetectDrivers(a.Mfct, a.Type, a.Version)
			log.Printf("telegram from %s (%s %02x/%02x) not handled; driver candidates: %v",
				a.IDString(), a.MfctString(), a.Type, a.Version, candidates)
		}
	}
	return records
}
