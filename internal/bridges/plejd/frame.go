package plejd

import "bytes"

// EventKind identifies the variant of a decoded mesh event.
type EventKind string

// Event kinds produced by ParseFrame.
const (
	EventSceneActivated   EventKind = "scene_activated"
	EventButtonPress      EventKind = "button_press"
	EventChangeState      EventKind = "change_state"
	EventDim              EventKind = "dim"
	EventColorTemperature EventKind = "color_temperature"
	EventMotion           EventKind = "motion"
)

// Event is a decoded inbound mesh message.
//
// The concrete type is one of SceneActivatedEvent, ButtonPressEvent,
// ChangeStateEvent, DimEvent, ColorTemperatureEvent or MotionEvent.
type Event interface {
	Kind() EventKind
}

// ButtonAction is the edge reported by a wall switch.
type ButtonAction string

const (
	ButtonPressed  ButtonAction = "press"
	ButtonReleased ButtonAction = "release"
)

// SceneActivatedEvent reports that a scene was triggered somewhere in the mesh.
type SceneActivatedEvent struct {
	Scene byte
}

// ButtonPressEvent reports a wall switch press or release.
type ButtonPressEvent struct {
	Address byte
	Button  byte
	Action  ButtonAction
}

// ChangeStateEvent reports an on/off change.
type ChangeStateEvent struct {
	Address byte
	State   byte
}

// DimEvent reports an on/off state together with the dim level (0-255).
type DimEvent struct {
	Address byte
	State   byte
	Level   byte
}

// ColorTemperatureEvent reports the color temperature of a tunable white output.
type ColorTemperatureEvent struct {
	Address byte
	Kelvin  uint64
}

// MotionEvent reports motion together with the ambient light level.
type MotionEvent struct {
	Address    byte
	LightLevel uint16
}

func (SceneActivatedEvent) Kind() EventKind   { return EventSceneActivated }
func (ButtonPressEvent) Kind() EventKind      { return EventButtonPress }
func (ChangeStateEvent) Kind() EventKind      { return EventChangeState }
func (DimEvent) Kind() EventKind              { return EventDim }
func (ColorTemperatureEvent) Kind() EventKind { return EventColorTemperature }
func (MotionEvent) Kind() EventKind           { return EventMotion }

// minFrameSize is the shortest frame any matcher accepts.
const minFrameSize = 6

// Fixed byte sequences recognised in inbound frames.
var (
	prefixScene       = []byte{0x00, 0x01, 0x10, 0x00, 0x21}
	prefixButton      = []byte{0x00, 0x01, 0x10, 0x00, 0x16}
	opcodeDimC8       = []byte{0x01, 0x10, 0x00, 0xC8}
	opcodeDim98       = []byte{0x01, 0x10, 0x00, 0x98}
	opcodeState       = []byte{0x01, 0x10, 0x00, 0x97}
	opcodeColorTemp   = []byte{0x01, 0x10, 0x04, 0x20, 0x01}
	opcodeMotion      = []byte{0x01, 0x10, 0x04, 0x20, 0x03}
	colorTempSubtype  = byte(0x11)
	buttonReleaseByte = byte(0x00)
)

// frameMatcher recognises one frame shape. Matchers are evaluated in order
// and the first one that returns true wins.
type frameMatcher struct {
	name  string
	match func(b []byte) (Event, bool)
}

var frameMatchers = []frameMatcher{
	{name: "scene", match: matchScene},
	{name: "button", match: matchButton},
	{name: "dim", match: matchDim},
	{name: "state", match: matchState},
	{name: "color_temperature", match: matchColorTemperature},
	{name: "motion", match: matchMotion},
}

// ParseFrame decodes a decrypted notification payload.
//
// The boolean is false when the frame matches none of the known shapes.
// That is not an error: the mesh carries plenty of traffic the bridge has
// no use for.
func ParseFrame(data []byte) (Event, bool) {
	if len(data) < minFrameSize {
		return nil, false
	}
	for _, m := range frameMatchers {
		if evt, ok := m.match(data); ok {
			return evt, true
		}
	}
	return nil, false
}

func matchScene(b []byte) (Event, bool) {
	if len(b) < 6 || !bytes.Equal(b[0:5], prefixScene) {
		return nil, false
	}
	return SceneActivatedEvent{Scene: b[5]}, true
}

func matchButton(b []byte) (Event, bool) {
	if len(b) < 7 || !bytes.Equal(b[0:5], prefixButton) {
		return nil, false
	}
	action := ButtonPressed
	if len(b) >= 8 && b[7] == buttonReleaseByte {
		action = ButtonReleased
	}
	return ButtonPressEvent{Address: b[5], Button: b[6], Action: action}, true
}

func matchDim(b []byte) (Event, bool) {
	if len(b) < 8 {
		return nil, false
	}
	if !bytes.Equal(b[1:5], opcodeDimC8) && !bytes.Equal(b[1:5], opcodeDim98) {
		return nil, false
	}
	return DimEvent{Address: b[0], State: b[5], Level: b[7]}, true
}

func matchState(b []byte) (Event, bool) {
	if len(b) < 6 || !bytes.Equal(b[1:5], opcodeState) {
		return nil, false
	}
	return ChangeStateEvent{Address: b[0], State: b[5]}, true
}

func matchColorTemperature(b []byte) (Event, bool) {
	if len(b) < 9 || !bytes.Equal(b[1:6], opcodeColorTemp) || b[6] != colorTempSubtype {
		return nil, false
	}
	return ColorTemperatureEvent{Address: b[0], Kelvin: bigEndianUint(b[7:])}, true
}

func matchMotion(b []byte) (Event, bool) {
	if len(b) < 10 || !bytes.Equal(b[1:6], opcodeMotion) {
		return nil, false
	}
	level := uint16(b[len(b)-2])<<8 | uint16(b[len(b)-1])
	return MotionEvent{Address: b[0], LightLevel: level}, true
}

// bigEndianUint folds a variable-length big-endian field. Fields longer than
// eight bytes keep only their low-order 64 bits.
func bigEndianUint(b []byte) uint64 {
	var v uint64
	for _, octet := range b {
		v = v<<8 | uint64(octet)
	}
	return v
}
