package plejd

import "fmt"

// Command is an outbound mesh instruction.
//
// Frames renders the command to one or more canonical hex frame strings
// (space separated, lowercase) ready for DecodeFrame and Transform.
type Command interface {
	Frames() ([]string, error)
}

// sceneBroadcastAddress is the reserved address scene activations are sent to.
const sceneBroadcastAddress = 0x02

// maxCoverPosition is the highest target position a cover accepts.
const maxCoverPosition = 0xFFFF

// TurnOn switches an output on.
type TurnOn struct {
	Address byte
}

// TurnOff switches an output off.
type TurnOff struct {
	Address byte
}

// Dim sets the brightness of a dimmable output (0 = off, 255 = full).
type Dim struct {
	Address byte
	Level   uint8
}

// ColorTemperature sets the color temperature of a tunable white output.
type ColorTemperature struct {
	Address byte
	Value   uint16
}

// Cover moves a blind or curtain. A negative Position stops the motor;
// 0-65535 is the target position.
type Cover struct {
	Address  byte
	Position int
}

// ActivateScene triggers a scene by its mesh index.
type ActivateScene struct {
	Index byte
}

// CoverStop returns a Cover command that halts movement.
func CoverStop(address byte) Cover {
	return Cover{Address: address, Position: -1}
}

func (c TurnOn) Frames() ([]string, error) {
	return []string{fmt.Sprintf("%02x 01 10 00 97 01", c.Address)}, nil
}

func (c TurnOff) Frames() ([]string, error) {
	return []string{fmt.Sprintf("%02x 01 10 00 97 00", c.Address)}, nil
}

func (c Dim) Frames() ([]string, error) {
	return []string{fmt.Sprintf("%02x 01 10 00 98 01 %02x %02x", c.Address, c.Level, c.Level)}, nil
}

func (c ColorTemperature) Frames() ([]string, error) {
	return []string{fmt.Sprintf("%02x 01 10 04 20 03 01 11 %s", c.Address, hex16(c.Value))}, nil
}

func (c Cover) Frames() ([]string, error) {
	if c.Position < 0 {
		return []string{fmt.Sprintf("%02x 01 10 04 20 03 08 07 00", c.Address)}, nil
	}
	if c.Position > maxCoverPosition {
		return nil, fmt.Errorf("%w: cover position %d out of range 0-%d", ErrInvalidCommand, c.Position, maxCoverPosition)
	}
	return []string{fmt.Sprintf("%02x 01 10 04 20 03 08 27 01 %s", c.Address, hex16(uint16(c.Position)))}, nil
}

func (c ActivateScene) Frames() ([]string, error) {
	return []string{fmt.Sprintf("%02x 01 10 00 21 %02x", sceneBroadcastAddress, c.Index)}, nil
}

// hex16 renders a 16-bit value as two space-separated big-endian bytes.
func hex16(v uint16) string {
	return fmt.Sprintf("%02x %02x", byte(v>>8), byte(v))
}

// RenderCommands expands a batch of commands into their frames, in order.
func RenderCommands(cmds ...Command) ([]string, error) {
	var frames []string
	for _, cmd := range cmds {
		if cmd == nil {
			return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
		}
		f, err := cmd.Frames()
		if err != nil {
			return nil, err
		}
		frames = append(frames, f...)
	}
	return frames, nil
}
