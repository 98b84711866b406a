package plejd

import (
	"context"
	"fmt"
	"strings"
)

// Traits is the capability bitmask the cloud reports for each device.
type Traits uint8

// Device capabilities.
const (
	TraitGroup       Traits = 0x01
	TraitDim         Traits = 0x02
	TraitTemperature Traits = 0x04
	TraitPower       Traits = 0x08
	TraitCover       Traits = 0x10
	TraitTilt        Traits = 0x40
)

var traitNames = []struct {
	trait Traits
	name  string
}{
	{TraitPower, "power"},
	{TraitDim, "dim"},
	{TraitTemperature, "temperature"},
	{TraitGroup, "group"},
	{TraitCover, "cover"},
	{TraitTilt, "tilt"},
}

// Has reports whether every bit of t2 is set.
func (t Traits) Has(t2 Traits) bool {
	return t&t2 == t2
}

// Names lists the capabilities set in t, e.g. ["power", "dim"].
func (t Traits) Names() []string {
	var names []string
	for _, tn := range traitNames {
		if t.Has(tn.trait) {
			names = append(names, tn.name)
		}
	}
	return names
}

func (t Traits) String() string {
	return strings.Join(t.Names(), "|")
}

// Room groups devices for display purposes.
type Room struct {
	ID    string
	Title string
}

// Scene is a stored lighting preset addressable by its mesh index.
type Scene struct {
	ID      string
	Title   string
	Address byte
}

// Device is one addressable output or input in the mesh.
type Device struct {
	ID      string
	Title   string
	RoomID  string
	Address byte
	Traits  Traits
}

// Site is one Plejd installation: a mesh with its key and metadata.
// A Site is never modified after it has been loaded.
type Site struct {
	ID        string
	Title     string
	CryptoKey CryptoKey
	Rooms     []Room
	Devices   []Device
	Scenes    []Scene
}

// DeviceByID returns the device with the given cloud id.
func (s *Site) DeviceByID(id string) (Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// DeviceByAddress returns the first device with the given mesh address.
func (s *Site) DeviceByAddress(addr byte) (Device, bool) {
	for _, d := range s.Devices {
		if d.Address == addr {
			return d, true
		}
	}
	return Device{}, false
}

// DeviceByMAC returns the device whose cloud id is the given hardware
// address. Plejd device ids are the node MAC written as bare hex.
func (s *Site) DeviceByMAC(mac MAC) (Device, bool) {
	for _, d := range s.Devices {
		if m, err := ParseMAC(d.ID); err == nil && m == mac {
			return d, true
		}
	}
	return Device{}, false
}

// DevicesInRoom returns the devices assigned to a room, in site order.
func (s *Site) DevicesInRoom(roomID string) []Device {
	var out []Device
	for _, d := range s.Devices {
		if d.RoomID == roomID {
			out = append(out, d)
		}
	}
	return out
}

// AccountService resolves the sites of a Plejd account.
// Implemented by the cloud package; faked in tests.
type AccountService interface {
	Sites(ctx context.Context) ([]Site, error)
}

// selectSite picks the site to control from the account's sites.
//
// Rules:
//   - siteID set: it must match one of the sites (ErrUnknownSite otherwise)
//   - siteID empty and exactly one site: that site
//   - siteID empty and several sites: ErrAmbiguousSite
//   - no sites at all: ErrUnknownSite
func selectSite(sites []Site, siteID string) (Site, error) {
	if siteID == "" {
		switch len(sites) {
		case 0:
			return Site{}, fmt.Errorf("%w: account has no sites", ErrUnknownSite)
		case 1:
			return sites[0], nil
		default:
			return Site{}, fmt.Errorf("%w: %s", ErrAmbiguousSite, describeSites(sites))
		}
	}

	for _, s := range sites {
		if s.ID == siteID {
			return s, nil
		}
	}
	return Site{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownSite, siteID, describeSites(sites))
}

// describeSites renders "Title (id, N devices)" for each site.
func describeSites(sites []Site) string {
	parts := make([]string, 0, len(sites))
	for _, s := range sites {
		parts = append(parts, fmt.Sprintf("%s (%s, %d devices)", s.Title, s.ID, len(s.Devices)))
	}
	return strings.Join(parts, ", ")
}
