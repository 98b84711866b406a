package cloud

import (
	"fmt"

	"github.com/nerrad567/gray-logic-plejd/internal/bridges/plejd"
)

// Wire types of the Parse API. Only the fields the bridge uses are decoded.

type parseError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
}

type siteRef struct {
	SiteID string `json:"siteId"`
	Title  string `json:"title"`
}

type siteListResponse struct {
	Result []struct {
		Site siteRef `json:"site"`
	} `json:"result"`
}

type siteDetailResponse struct {
	Result []siteDetail `json:"result"`
}

type siteDetail struct {
	Site      siteRef `json:"site"`
	PlejdMesh struct {
		CryptoKey string `json:"cryptoKey"`
	} `json:"plejdMesh"`
	Rooms []struct {
		RoomID string `json:"roomId"`
		Title  string `json:"title"`
	} `json:"rooms"`
	Scenes []struct {
		SceneID string `json:"sceneId"`
		Title   string `json:"title"`
	} `json:"scenes"`
	SceneIndex map[string]int `json:"sceneIndex"`
	Devices    []struct {
		DeviceID string `json:"deviceId"`
		Title    string `json:"title"`
		RoomID   string `json:"roomId"`
		Traits   int    `json:"traits"`
	} `json:"devices"`
	DeviceAddress map[string]int `json:"deviceAddress"`
}

// toSite converts the API document to the domain model. Scenes and devices
// without a mesh address cannot be addressed and are rejected.
func (d siteDetail) toSite() (plejd.Site, error) {
	key, err := plejd.ParseCryptoKey(d.PlejdMesh.CryptoKey)
	if err != nil {
		return plejd.Site{}, err
	}

	site := plejd.Site{
		ID:        d.Site.SiteID,
		Title:     d.Site.Title,
		CryptoKey: key,
	}

	for _, r := range d.Rooms {
		site.Rooms = append(site.Rooms, plejd.Room{ID: r.RoomID, Title: r.Title})
	}

	for _, s := range d.Scenes {
		index, ok := d.SceneIndex[s.SceneID]
		if !ok {
			return plejd.Site{}, fmt.Errorf("%w: scene %s has no index", ErrRequestFailed, s.SceneID)
		}
		address, err := meshAddress(index)
		if err != nil {
			return plejd.Site{}, fmt.Errorf("scene %s: %w", s.SceneID, err)
		}
		site.Scenes = append(site.Scenes, plejd.Scene{ID: s.SceneID, Title: s.Title, Address: address})
	}

	for _, dev := range d.Devices {
		raw, ok := d.DeviceAddress[dev.DeviceID]
		if !ok {
			return plejd.Site{}, fmt.Errorf("%w: device %s has no address", ErrRequestFailed, dev.DeviceID)
		}
		address, err := meshAddress(raw)
		if err != nil {
			return plejd.Site{}, fmt.Errorf("device %s: %w", dev.DeviceID, err)
		}
		site.Devices = append(site.Devices, plejd.Device{
			ID:      dev.DeviceID,
			Title:   dev.Title,
			RoomID:  dev.RoomID,
			Address: address,
			Traits:  plejd.Traits(dev.Traits),
		})
	}

	return site, nil
}

func meshAddress(v int) (byte, error) {
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("%w: mesh address %d out of range", ErrRequestFailed, v)
	}
	return byte(v), nil
}
