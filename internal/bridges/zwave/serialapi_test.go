package zwave

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeSerialMessage(t *testing.T) {
	tests := []struct {
		name     string
		msgType  MessageType
		function byte
		data     []byte
		want     []byte
	}{
		{
			name:     "get version request (no data)",
			msgType:  MessageTypeRequest,
			function: FuncGetVersion,
			data:     nil,
			// SOF, len=3 (type+func+csum), REQ, 0x15, csum
			want: []byte{0x01, 0x03, 0x00, 0x15, 0xE9},
		},
		{
			name:     "request node info for node 12",
			msgType:  MessageTypeRequest,
			function: FuncRequestNodeInfo,
			data:     []byte{0x0C},
			// SOF, len=4, REQ, 0x60, node, csum
			want: []byte{0x01, 0x04, 0x00, 0x60, 0x0C, 0x97},
		},
		{
			name:     "send data with command frame",
			msgType:  MessageTypeRequest,
			function: FuncSendData,
			// frame node=12 SET level 50 + txOptions 0x25 + callback 0x05
			data: []byte{0x0C, 0x03, 0x26, 0x01, 0x32, 0x25, 0x05},
			want: []byte{0x01, 0x0A, 0x00, 0x13, 0x0C, 0x03, 0x26, 0x01, 0x32, 0x25, 0x05, 0xDC},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeSerialMessage(tt.msgType, tt.function, tt.data)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeSerialMessage() = %X, want %X", got, tt.want)
			}
		})
	}
}

func TestParseSerialMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		want     SerialMessage
		wantErr  error
		anyError bool
	}{
		{
			name: "application command from node 12",
			// SOF, len=9, REQ, 0x04, rxStatus, node, frameLen, cc, REPORT, value, csum
			data: []byte{0x01, 0x09, 0x00, 0x04, 0x00, 0x0C, 0x03, 0x26, 0x03, 0x32, 0xEA},
			want: SerialMessage{
				Type:     MessageTypeRequest,
				Function: FuncApplicationCommandHandler,
				Data:     []byte{0x00, 0x0C, 0x03, 0x26, 0x03, 0x32},
			},
		},
		{
			name: "get version response parses as response type",
			// Round-trip generated below for correctness; this case pins
			// the response type byte.
			data: EncodeSerialMessage(MessageTypeResponse, FuncGetVersion,
				[]byte{0x5A, 0x2D, 0x57, 0x61, 0x76, 0x65, 0x20, 0x32, 0x2E, 0x37, 0x38, 0x00, 0x07}),
			want: SerialMessage{
				Type:     MessageTypeResponse,
				Function: FuncGetVersion,
				Data:     []byte{0x5A, 0x2D, 0x57, 0x61, 0x76, 0x65, 0x20, 0x32, 0x2E, 0x37, 0x38, 0x00, 0x07},
			},
		},
		{
			name:     "too short",
			data:     []byte{0x01, 0x03, 0x00, 0x15},
			anyError: true,
		},
		{
			name:     "missing SOF",
			data:     []byte{0x06, 0x03, 0x00, 0x15, 0xE9},
			anyError: true,
		},
		{
			name:     "length mismatch",
			data:     []byte{0x01, 0x07, 0x00, 0x15, 0xE9},
			anyError: true,
		},
		{
			name:    "corrupted checksum",
			data:    []byte{0x01, 0x03, 0x00, 0x15, 0xE8},
			wantErr: ErrChecksum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSerialMessage(tt.data)

			if tt.anyError || tt.wantErr != nil {
				if err == nil {
					t.Error("ParseSerialMessage() expected error, got nil")
					return
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseSerialMessage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}

			if err != nil {
				t.Errorf("ParseSerialMessage() unexpected error: %v", err)
				return
			}

			if got.Type != tt.want.Type {
				t.Errorf("Type = 0x%02X, want 0x%02X", byte(got.Type), byte(tt.want.Type))
			}
			if got.Function != tt.want.Function {
				t.Errorf("Function = 0x%02X, want 0x%02X", got.Function, tt.want.Function)
			}
			if !bytes.Equal(got.Data, tt.want.Data) {
				t.Errorf("Data = %X, want %X", got.Data, tt.want.Data)
			}
		})
	}
}

func TestSerialMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		msgType  MessageType
		function byte
		data     []byte
	}{
		{
			name:     "get version",
			msgType:  MessageTypeRequest,
			function: FuncGetVersion,
			data:     nil,
		},
		{
			name:     "memory get id response",
			msgType:  MessageTypeResponse,
			function: FuncMemoryGetID,
			data:     []byte{0x01, 0x6A, 0x2E, 0xBF, 0x01},
		},
		{
			name:     "send data",
			msgType:  MessageTypeRequest,
			function: FuncSendData,
			data:     []byte{0x0C, 0x03, 0x26, 0x01, 0x63, 0x25, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeSerialMessage(tt.msgType, tt.function, tt.data)
			got, err := ParseSerialMessage(encoded)
			if err != nil {
				t.Fatalf("ParseSerialMessage() error: %v", err)
			}

			if got.Type != tt.msgType {
				t.Errorf("Type = 0x%02X, want 0x%02X", byte(got.Type), byte(tt.msgType))
			}
			if got.Function != tt.function {
				t.Errorf("Function = 0x%02X, want 0x%02X", got.Function, tt.function)
			}
			if !bytes.Equal(got.Data, tt.data) {
				t.Errorf("Data = %X, want %X", got.Data, tt.data)
			}
		})
	}
}

func TestEncodeSendData(t *testing.T) {
	f := Frame{
		Node:         12,
		CommandClass: CommandClassSwitchMultilevel,
		Command:      0x01,
		Payload:      []byte{0x32},
	}

	got := EncodeSendData(f, 0x05)
	// frame bytes + txOptions (ACK|AutoRoute|Explore = 0x25) + callback
	want := []byte{0x0C, 0x03, 0x26, 0x01, 0x32, 0x25, 0x05}

	if !bytes.Equal(got, want) {
		t.Errorf("EncodeSendData() = %X, want %X", got, want)
	}
}

func TestParseApplicationCommand(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Frame
		wantErr bool
	}{
		{
			name: "multilevel report",
			// rxStatus + frame bytes
			data: []byte{0x00, 0x0C, 0x03, 0x26, 0x03, 0x32},
			want: Frame{
				Node:         12,
				CommandClass: CommandClassSwitchMultilevel,
				Command:      0x03,
				Payload:      []byte{0x32},
			},
		},
		{
			name: "broadcast rx status still parses",
			data: []byte{0x04, 0x07, 0x03, 0x20, 0x01, 0xFF},
			want: Frame{
				Node:         7,
				CommandClass: CommandClassBasic,
				Command:      0x01,
				Payload:      []byte{0xFF},
			},
		},
		{
			name:    "empty data",
			data:    []byte{},
			wantErr: true,
		},
		{
			name:    "truncated frame after status",
			data:    []byte{0x00, 0x0C, 0x03},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseApplicationCommand(tt.data)

			if tt.wantErr {
				if err == nil {
					t.Error("ParseApplicationCommand() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("ParseApplicationCommand() unexpected error: %v", err)
				return
			}

			if got.Node != tt.want.Node {
				t.Errorf("Node = %d, want %d", got.Node, tt.want.Node)
			}
			if got.CommandClass != tt.want.CommandClass {
				t.Errorf("CommandClass = 0x%02X, want 0x%02X",
					byte(got.CommandClass), byte(tt.want.CommandClass))
			}
			if !bytes.Equal(got.Payload, tt.want.Payload) {
				t.Errorf("Payload = %X, want %X", got.Payload, tt.want.Payload)
			}
			if got.Class != MessageClassApplicationCommand {
				t.Errorf("Class = 0x%02X, want application command", byte(got.Class))
			}
		})
	}
}

func TestParseVersionResponse(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		wantVersion string
		wantLibrary byte
		wantErr     bool
	}{
		{
			name: "static controller library",
			// "Z-Wave 2.78" NUL-padded to 12 bytes + library type
			data: []byte{
				0x5A, 0x2D, 0x57, 0x61, 0x76, 0x65, 0x20, 0x32, 0x2E, 0x37, 0x38, 0x00,
				0x07,
			},
			wantVersion: "Z-Wave 2.78",
			wantLibrary: 0x07,
		},
		{
			name: "unterminated version string uses all 12 bytes",
			data: []byte{
				0x5A, 0x2D, 0x57, 0x61, 0x76, 0x65, 0x20, 0x36, 0x2E, 0x30, 0x32, 0x62,
				0x01,
			},
			wantVersion: "Z-Wave 6.02b",
			wantLibrary: 0x01,
		},
		{
			name:    "too short",
			data:    []byte{0x5A, 0x2D, 0x57},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersionResponse(tt.data)

			if tt.wantErr {
				if err == nil {
					t.Error("ParseVersionResponse() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("ParseVersionResponse() unexpected error: %v", err)
				return
			}

			if got.Version != tt.wantVersion {
				t.Errorf("Version = %q, want %q", got.Version, tt.wantVersion)
			}
			if got.LibraryType != tt.wantLibrary {
				t.Errorf("LibraryType = 0x%02X, want 0x%02X", got.LibraryType, tt.wantLibrary)
			}
		})
	}
}

func TestParseMemoryGetIDResponse(t *testing.T) {
	got, err := ParseMemoryGetIDResponse([]byte{0x01, 0x6A, 0x2E, 0xBF, 0x01})
	if err != nil {
		t.Fatalf("ParseMemoryGetIDResponse() error: %v", err)
	}

	if got.HomeID != 0x016A2EBF {
		t.Errorf("HomeID = 0x%08X, want 0x016A2EBF", got.HomeID)
	}
	if got.OwnNodeID != 1 {
		t.Errorf("OwnNodeID = %d, want 1", got.OwnNodeID)
	}

	if _, err := ParseMemoryGetIDResponse([]byte{0x01, 0x6A}); err == nil {
		t.Error("ParseMemoryGetIDResponse() expected error for short data, got nil")
	}
}

func TestParseInitDataResponse(t *testing.T) {
	buildInitData := func(bitmask [nodeBitmaskLength]byte) []byte {
		data := []byte{0x05, 0x08, nodeBitmaskLength}
		data = append(data, bitmask[:]...)
		data = append(data, 0x05, 0x00) // chip type, chip version
		return data
	}

	t.Run("nodes 1 and 12", func(t *testing.T) {
		var bitmask [nodeBitmaskLength]byte
		bitmask[0] = 0x01 // node 1: byte 0 bit 0
		bitmask[1] = 0x08 // node 12: byte 1 bit 3

		nodes, err := ParseInitDataResponse(buildInitData(bitmask))
		if err != nil {
			t.Fatalf("ParseInitDataResponse() error: %v", err)
		}

		want := []NodeID{1, 12}
		if len(nodes) != len(want) {
			t.Fatalf("nodes = %v, want %v", nodes, want)
		}
		for i := range want {
			if nodes[i] != want[i] {
				t.Errorf("nodes[%d] = %d, want %d", i, nodes[i], want[i])
			}
		}
	})

	t.Run("node 232 at bitmask ceiling", func(t *testing.T) {
		var bitmask [nodeBitmaskLength]byte
		bitmask[28] = 0x80 // node 232: byte 28 bit 7

		nodes, err := ParseInitDataResponse(buildInitData(bitmask))
		if err != nil {
			t.Fatalf("ParseInitDataResponse() error: %v", err)
		}

		if len(nodes) != 1 || nodes[0] != 232 {
			t.Errorf("nodes = %v, want [232]", nodes)
		}
	})

	t.Run("empty network", func(t *testing.T) {
		var bitmask [nodeBitmaskLength]byte

		nodes, err := ParseInitDataResponse(buildInitData(bitmask))
		if err != nil {
			t.Fatalf("ParseInitDataResponse() error: %v", err)
		}
		if len(nodes) != 0 {
			t.Errorf("nodes = %v, want empty", nodes)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := ParseInitDataResponse([]byte{0x05, 0x08, 0x1D}); err == nil {
			t.Error("ParseInitDataResponse() expected error, got nil")
		}
	})

	t.Run("wrong bitmask length", func(t *testing.T) {
		data := make([]byte, 3+nodeBitmaskLength)
		data[2] = 0x10
		if _, err := ParseInitDataResponse(data); err == nil {
			t.Error("ParseInitDataResponse() expected error, got nil")
		}
	})
}

func TestParseApplicationUpdate(t *testing.T) {
	t.Run("node info received", func(t *testing.T) {
		// status=0x84, node=12, len=6, basic=routing slave,
		// generic=multilevel switch, specific, classes 0x26 0x25 0x80
		data := []byte{0x84, 0x0C, 0x06, 0x04, 0x11, 0x01, 0x26, 0x25, 0x80}

		info, ok, err := ParseApplicationUpdate(data)
		if err != nil {
			t.Fatalf("ParseApplicationUpdate() error: %v", err)
		}
		if !ok {
			t.Fatal("ParseApplicationUpdate() ok = false, want true")
		}

		if info.Node != 12 {
			t.Errorf("Node = %d, want 12", info.Node)
		}
		if info.BasicClass != BasicTypeRoutingSlave {
			t.Errorf("BasicClass = 0x%02X, want 0x%02X", info.BasicClass, BasicTypeRoutingSlave)
		}
		if info.GenericClass != GenericTypeMultilevelSwitch {
			t.Errorf("GenericClass = 0x%02X, want 0x%02X", info.GenericClass, GenericTypeMultilevelSwitch)
		}

		wantClasses := []CommandClassCode{
			CommandClassSwitchMultilevel,
			CommandClassSwitchBinary,
			CommandClassBattery,
		}
		if len(info.CommandClasses) != len(wantClasses) {
			t.Fatalf("CommandClasses = %v, want %v", info.CommandClasses, wantClasses)
		}
		for i := range wantClasses {
			if info.CommandClasses[i] != wantClasses[i] {
				t.Errorf("CommandClasses[%d] = 0x%02X, want 0x%02X",
					i, byte(info.CommandClasses[i]), byte(wantClasses[i]))
			}
		}
	})

	t.Run("node info without command classes", func(t *testing.T) {
		data := []byte{0x84, 0x07, 0x03, 0x04, 0x10, 0x01}

		info, ok, err := ParseApplicationUpdate(data)
		if err != nil {
			t.Fatalf("ParseApplicationUpdate() error: %v", err)
		}
		if !ok {
			t.Fatal("ParseApplicationUpdate() ok = false, want true")
		}
		if info.Node != 7 {
			t.Errorf("Node = %d, want 7", info.Node)
		}
		if len(info.CommandClasses) != 0 {
			t.Errorf("CommandClasses = %v, want empty", info.CommandClasses)
		}
	})

	t.Run("request failed status", func(t *testing.T) {
		_, ok, err := ParseApplicationUpdate([]byte{0x81, 0x00})
		if err != nil {
			t.Fatalf("ParseApplicationUpdate() error: %v", err)
		}
		if ok {
			t.Error("ParseApplicationUpdate() ok = true for failed update, want false")
		}
	})

	t.Run("truncated node info", func(t *testing.T) {
		// declared length 10 exceeds the available bytes
		data := []byte{0x84, 0x0C, 0x0A, 0x04, 0x11, 0x01}
		if _, _, err := ParseApplicationUpdate(data); err == nil {
			t.Error("ParseApplicationUpdate() expected error, got nil")
		}
	})

	t.Run("empty data", func(t *testing.T) {
		if _, _, err := ParseApplicationUpdate(nil); err == nil {
			t.Error("ParseApplicationUpdate() expected error, got nil")
		}
	})
}
