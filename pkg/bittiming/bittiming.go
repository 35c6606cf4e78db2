// Package bittiming holds the hand-tuned bit-timing register tables for the
// supported adapter clocks. The tables are constant data, values are looked up
// by exact match and never computed.
package bittiming

import "sort"

// Entry is one validated timing for a given controller clock. PhaseSeg1 does
// not include the propagation segment.
type Entry struct {
	BaseClock   uint32
	Bitrate     uint32
	DataBitrate uint32
	SamplePoint uint16 // permille
	Prescaler   uint16
	PropSeg     uint16
	PhaseSeg1   uint16
	PhaseSeg2   uint16
	SJW         uint16
}

// TimeQuanta is the number of time quanta in one bit.
func (e Entry) TimeQuanta() uint32 {
	return 1 + uint32(e.PropSeg) + uint32(e.PhaseSeg1) + uint32(e.PhaseSeg2)
}

// Catalog is an append-only list of timings.
type Catalog struct {
	entries []Entry
}

func newCatalog(entries ...[]Entry) *Catalog {
	c := &Catalog{}
	for _, e := range entries {
		c.entries = append(c.entries, e...)
	}
	return c
}

// Lookup returns the entry matching clock, bitrate and sample point exactly.
func (c *Catalog) Lookup(baseClock, bitrate uint32, samplePoint uint16) (Entry, bool) {
	for _, e := range c.entries {
		if e.BaseClock == baseClock && e.Bitrate == bitrate && e.SamplePoint == samplePoint {
			return e, true
		}
	}
	return Entry{}, false
}

// Available returns all entries for the clock in table order.
func (c *Catalog) Available(baseClock uint32) []Entry {
	var out []Entry
	for _, e := range c.entries {
		if e.BaseClock == baseClock {
			out = append(out, e)
		}
	}
	return out
}

// Clocks returns every clock the catalog has entries for.
func (c *Catalog) Clocks() []uint32 {
	return uniqueSorted(c.entries, func(e Entry) (uint32, bool) { return e.BaseClock, true })
}

// Bitrates returns the distinct bitrates for the clock, ascending.
func (c *Catalog) Bitrates(baseClock uint32) []uint32 {
	return uniqueSorted(c.entries, func(e Entry) (uint32, bool) {
		return e.Bitrate, e.BaseClock == baseClock && e.Bitrate != 0
	})
}

// DataBitrates returns the distinct non-zero data bitrates listed for the clock.
func (c *Catalog) DataBitrates(baseClock uint32) []uint32 {
	return uniqueSorted(c.entries, func(e Entry) (uint32, bool) {
		return e.DataBitrate, e.BaseClock == baseClock && e.DataBitrate != 0
	})
}

// SamplePoints returns the distinct sample points available for a bitrate.
func (c *Catalog) SamplePoints(baseClock, bitrate uint32) []uint16 {
	sps := uniqueSorted(c.entries, func(e Entry) (uint32, bool) {
		return uint32(e.SamplePoint), e.BaseClock == baseClock && e.Bitrate == bitrate
	})
	out := make([]uint16, len(sps))
	for i, sp := range sps {
		out[i] = uint16(sp)
	}
	return out
}

func uniqueSorted(entries []Entry, pick func(Entry) (uint32, bool)) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, e := range entries {
		v, ok := pick(e)
		if !ok {
			continue
		}
		if _, found := seen[v]; found {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	// Arbitration holds nominal (arbitration phase) timings.
	Arbitration = newCatalog(arb170MHz, arb80MHz, arb48MHz, arb16MHz)
	// Data holds CAN-FD data phase timings, used only when the device reports FD.
	Data = newCatalog(data80MHz, data170MHz)
)
