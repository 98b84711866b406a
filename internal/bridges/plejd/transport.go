package plejd

import (
	"context"
	"time"
)

// GATT identifiers of the Plejd mesh service.
const (
	ServiceUUID     = "31ba0001-6085-4726-be45-040c957391b5"
	DataSendUUID    = "31ba0004-6085-4726-be45-040c957391b5"
	DataReceiveUUID = "31ba0005-6085-4726-be45-040c957391b5"
	AuthUUID        = "31ba0009-6085-4726-be45-040c957391b5"
	PingUUID        = "31ba000a-6085-4726-be45-040c957391b5"
)

// Advertisement filter for gateway discovery.
const (
	// GatewayNamePrefix is the local name prefix every mesh node advertises.
	GatewayNamePrefix = "P mesh"

	// ManufacturerID is the Bluetooth SIG company identifier carried in the
	// manufacturer data of mesh nodes.
	ManufacturerID uint16 = 887
)

// Advertisement is the subset of a BLE advertisement the bridge looks at.
type Advertisement struct {
	Name             string
	ManufacturerData map[uint16][]byte
	RSSI             int
}

// Peripheral is an opaque handle to a scanned device, passed back to Connect.
type Peripheral interface {
	// Address returns the transport-level address, used for logging only.
	Address() string
}

// ScanResult pairs an advertisement with the device that sent it.
type ScanResult struct {
	Advertisement Advertisement
	Peripheral    Peripheral
}

// Transport is the BLE stack the supervisor drives.
// This allows swapping the radio implementation and faking it in tests.
type Transport interface {
	// Scan collects advertisements for up to timeout and returns them in
	// discovery order.
	Scan(ctx context.Context, timeout time.Duration) ([]ScanResult, error)

	// Connect opens a GATT session to the peripheral.
	Connect(ctx context.Context, p Peripheral) (Session, error)
}

// Session is an open GATT connection to a gateway.
//
// Write must return an error wrapping ErrTransientBusy when the peripheral
// reports that a previous operation is still in progress.
type Session interface {
	Read(ctx context.Context, uuid string) ([]byte, error)
	Write(ctx context.Context, uuid string, data []byte, withResponse bool) error
	Subscribe(uuid string, onNotification func([]byte)) error
	Unsubscribe(uuid string) error
	Disconnect() error
	IsConnected() bool
}
