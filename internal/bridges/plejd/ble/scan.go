package ble

import (
	"tinygo.org/x/bluetooth"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
)

// scanSet collects scan results, one per address, in first-seen order.
type scanSet struct {
	order   []string
	results map[string]plejd.ScanResult
}

func newScanSet() *scanSet {
	return &scanSet{results: make(map[string]plejd.ScanResult)}
}

// add records an advertisement. A repeated address keeps its position and
// is merged into the earlier one: RSSI follows the latest packet, the name
// the latest non-empty one, and manufacturer data accumulates per company.
func (s *scanSet) add(address string, adv plejd.Advertisement, p plejd.Peripheral) {
	prev, seen := s.results[address]
	if !seen {
		s.order = append(s.order, address)
		s.results[address] = plejd.ScanResult{Advertisement: adv, Peripheral: p}
		return
	}

	merged := prev.Advertisement
	merged.RSSI = adv.RSSI
	if adv.Name != "" {
		merged.Name = adv.Name
	}
	if len(adv.ManufacturerData) > 0 {
		data := make(map[uint16][]byte, len(merged.ManufacturerData)+len(adv.ManufacturerData))
		for id, d := range merged.ManufacturerData {
			data[id] = d
		}
		for id, d := range adv.ManufacturerData {
			data[id] = d
		}
		merged.ManufacturerData = data
	}
	s.results[address] = plejd.ScanResult{Advertisement: merged, Peripheral: p}
}

func (s *scanSet) list() []plejd.ScanResult {
	out := make([]plejd.ScanResult, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.results[addr])
	}
	return out
}

// toAdvertisement converts the stack's advertisement fields.
func toAdvertisement(name string, rssi int16, mfr []bluetooth.ManufacturerDataElement) plejd.Advertisement {
	adv := plejd.Advertisement{
		Name: name,
		RSSI: int(rssi),
	}
	if len(mfr) > 0 {
		adv.ManufacturerData = make(map[uint16][]byte, len(mfr))
		for _, el := range mfr {
			adv.ManufacturerData[el.CompanyID] = append([]byte(nil), el.Data...)
		}
	}
	return adv
}
