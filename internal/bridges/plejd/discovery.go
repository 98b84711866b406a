package plejd

import (
	"fmt"
	"strings"
)

// macOffset and macEnd delimit the MAC inside the manufacturer data,
// which carries it least significant byte first.
const (
	macOffset = 4
	macEnd    = macOffset + MACSize
)

// GatewayCandidate is a scanned mesh node that could serve as gateway.
type GatewayCandidate struct {
	Peripheral Peripheral
	Name       string
	MAC        MAC
	RSSI       int
}

// ExtractMAC recovers the gateway MAC from Plejd manufacturer data.
// Payloads shorter than ten bytes are rejected.
func ExtractMAC(data []byte) (MAC, bool) {
	var mac MAC
	if len(data) < macEnd {
		return mac, false
	}
	for i := range MACSize {
		mac[i] = data[macEnd-1-i]
	}
	return mac, true
}

// FilterCandidates keeps the scan results that look like Plejd mesh nodes,
// preserving discovery order.
func FilterCandidates(results []ScanResult) []GatewayCandidate {
	var out []GatewayCandidate
	for _, r := range results {
		adv := r.Advertisement
		if !strings.HasPrefix(adv.Name, GatewayNamePrefix) {
			continue
		}
		data, ok := adv.ManufacturerData[ManufacturerID]
		if !ok {
			continue
		}
		mac, ok := ExtractMAC(data)
		if !ok {
			continue
		}
		out = append(out, GatewayCandidate{
			Peripheral: r.Peripheral,
			Name:       adv.Name,
			MAC:        mac,
			RSSI:       adv.RSSI,
		})
	}
	return out
}

// SelectGateway returns the candidate with the strongest signal.
// On equal RSSI the earliest discovered candidate wins.
func SelectGateway(candidates []GatewayCandidate) (GatewayCandidate, error) {
	if len(candidates) == 0 {
		return GatewayCandidate{}, fmt.Errorf("%w: no mesh nodes advertising", ErrGatewayNotFound)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.RSSI > best.RSSI {
			best = c
		}
	}
	return best, nil
}
