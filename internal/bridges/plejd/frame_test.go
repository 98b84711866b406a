package plejd

import "testing"

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "scene activated",
			frame: "00 01 10 00 21 07",
			want:  SceneActivatedEvent{Scene: 7},
		},
		{
			name:  "button press without edge byte",
			frame: "00 01 10 00 16 0a 02",
			want:  ButtonPressEvent{Address: 0x0a, Button: 2, Action: ButtonPressed},
		},
		{
			name:  "button press",
			frame: "00 01 10 00 16 0a 02 01",
			want:  ButtonPressEvent{Address: 0x0a, Button: 2, Action: ButtonPressed},
		},
		{
			name:  "button release",
			frame: "00 01 10 00 16 0a 02 00",
			want:  ButtonPressEvent{Address: 0x0a, Button: 2, Action: ButtonReleased},
		},
		{
			name:  "dim c8",
			frame: "0b 01 10 00 c8 01 00 80",
			want:  DimEvent{Address: 0x0b, State: 1, Level: 0x80},
		},
		{
			name:  "dim 98",
			frame: "0b 01 10 00 98 00 00 00 ff",
			want:  DimEvent{Address: 0x0b, State: 0, Level: 0x00},
		},
		{
			name:  "change state",
			frame: "0c 01 10 00 97 01",
			want:  ChangeStateEvent{Address: 0x0c, State: 1},
		},
		{
			name:  "color temperature",
			frame: "0d 01 10 04 20 01 11 0b b8",
			want:  ColorTemperatureEvent{Address: 0x0d, Kelvin: 3000},
		},
		{
			name:  "color temperature three byte field",
			frame: "0d 01 10 04 20 01 11 01 00 00",
			want:  ColorTemperatureEvent{Address: 0x0d, Kelvin: 65536},
		},
		{
			name:  "motion",
			frame: "0e 01 10 04 20 03 00 00 01 2c",
			want:  MotionEvent{Address: 0x0e, LightLevel: 300},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFrame(mustDecode(t, tt.frame))
			if !ok {
				t.Fatalf("ParseFrame(%s) not recognized", tt.frame)
			}
			if got != tt.want {
				t.Errorf("ParseFrame(%s) = %#v, want %#v", tt.frame, got, tt.want)
			}
			if got.Kind() != tt.want.Kind() {
				t.Errorf("Kind() = %s, want %s", got.Kind(), tt.want.Kind())
			}
		})
	}
}

func TestParseFrameUnrecognized(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty", ""},
		{"shorter than minimum", "0c 01 10 00 97"},
		{"dim too short", "0b 01 10 00 c8 01 00"},
		{"color temperature wrong subtype", "0d 01 10 04 20 01 12 0b b8"},
		{"color temperature too short", "0d 01 10 04 20 01 11 0b"},
		{"motion too short", "0e 01 10 04 20 03 00 00 01"},
		{"unknown opcode", "0c 01 10 00 99 01 02 03"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if evt, ok := ParseFrame(mustDecode(t, tt.frame)); ok {
				t.Errorf("ParseFrame(%s) = %#v, want unrecognized", tt.frame, evt)
			}
		})
	}
}

func TestParseFrameFirstMatchWins(t *testing.T) {
	// A state frame addressed to 00 shares the scene prefix up to the opcode.
	got, ok := ParseFrame(mustDecode(t, "00 01 10 00 97 01"))
	if !ok {
		t.Fatal("frame not recognized")
	}
	if _, isState := got.(ChangeStateEvent); !isState {
		t.Errorf("got %T, want ChangeStateEvent", got)
	}

	got, ok = ParseFrame(mustDecode(t, "00 01 10 00 21 03 00 00"))
	if !ok {
		t.Fatal("frame not recognized")
	}
	if _, isScene := got.(SceneActivatedEvent); !isScene {
		t.Errorf("got %T, want SceneActivatedEvent", got)
	}
}
