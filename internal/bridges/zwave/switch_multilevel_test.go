package zwave

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestMultilevelHandler(t *testing.T, deps HandlerDeps) *SwitchMultilevelHandler {
	t.Helper()

	h, ok := newSwitchMultilevelHandler(12, deps).(*SwitchMultilevelHandler)
	if !ok {
		t.Fatal("factory did not return a *SwitchMultilevelHandler")
	}
	return h
}

func TestSwitchMultilevelReport(t *testing.T) {
	tests := []struct {
		name      string
		level     byte
		wantToken string // empty → expect a level event
		wantLevel int
	}{
		{"zero is off", 0x00, TokenOff, 0},
		{"one", 0x01, "", 1},
		{"mid level", 0x32, "", 50},
		{"just below full", 0x62, "", 98},
		{"full is on", 0x63, TokenOn, 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, ch := captureEvents(t)
			h := newTestMultilevelHandler(t, HandlerDeps{Events: events})

			h.HandleCommand(switchMultilevelReport, []byte{tt.level}, 0)

			e := waitEvent(t, ch)
			if e.Kind != EventValue {
				t.Fatalf("event kind = %q, want %q", e.Kind, EventValue)
			}
			if e.Node != 12 || e.Endpoint != 0 {
				t.Errorf("event address = %d/%d, want 12/0", e.Node, e.Endpoint)
			}
			if e.CommandClass != CommandClassSwitchMultilevel {
				t.Errorf("event class = %s, want switch_multilevel", e.CommandClass)
			}

			if tt.wantToken != "" {
				token, ok := e.Value.Token()
				if !ok || token != tt.wantToken {
					t.Errorf("event value = %s, want token %s", e.Value, tt.wantToken)
				}
			} else {
				level, ok := e.Value.Level()
				if !ok || level != tt.wantLevel {
					t.Errorf("event value = %s, want level %d", e.Value, tt.wantLevel)
				}
			}

			level, known := h.Level()
			if !known || level != tt.wantLevel {
				t.Errorf("Level() = %d, %v, want %d, true", level, known, tt.wantLevel)
			}
		})
	}
}

func TestSwitchMultilevelReportOutOfRange(t *testing.T) {
	// 100-254 are not valid resting levels and 255 is the restore
	// sentinel; none may be stored or surfaced. The handler re-queries
	// instead.
	for _, level := range []byte{0x64, 0xC8, 0xFF} {
		t.Run(fmt.Sprintf("level %d", level), func(t *testing.T) {
			events, ch := captureEvents(t)
			requester := &recordingRequester{}
			h := newTestMultilevelHandler(t, HandlerDeps{Events: events, Requester: requester})

			h.HandleCommand(switchMultilevelReport, []byte{level}, 2)

			// A sentinel published afterwards must be the first delivery;
			// anything before it would be an event the report leaked.
			events.Publish(Event{Kind: EventNodeRemoved, Node: 1})
			if e := waitEvent(t, ch); e.Kind != EventNodeRemoved {
				t.Errorf("report emitted %q event for out-of-range level %d", e.Kind, level)
			}

			if _, known := h.Level(); known {
				t.Errorf("out-of-range level %d was stored", level)
			}
			if requester.count() != 1 {
				t.Fatalf("read-back count = %d, want 1", requester.count())
			}
			if got := requester.last(); got != (Address{Node: 12, Endpoint: 2}) {
				t.Errorf("read-back address = %s, want 12/2", got)
			}
		})
	}
}

func TestSwitchMultilevelReportEmptyPayload(t *testing.T) {
	events, ch := captureEvents(t)
	requester := &recordingRequester{}
	h := newTestMultilevelHandler(t, HandlerDeps{Events: events, Requester: requester})

	h.HandleCommand(switchMultilevelReport, nil, 0)

	events.Publish(Event{Kind: EventNodeRemoved, Node: 1})
	if e := waitEvent(t, ch); e.Kind != EventNodeRemoved {
		t.Errorf("empty report emitted %q event", e.Kind)
	}
	if _, known := h.Level(); known {
		t.Error("empty report set the stored level")
	}
	if requester.count() != 0 {
		t.Errorf("empty report triggered %d read-backs, want 0", requester.count())
	}
}

func TestSwitchMultilevelStopLevelChange(t *testing.T) {
	events, ch := captureEvents(t)
	requester := &recordingRequester{}
	h := newTestMultilevelHandler(t, HandlerDeps{Events: events, Requester: requester})

	h.HandleCommand(switchMultilevelStopLevelChange, nil, 1)

	if requester.count() != 1 {
		t.Fatalf("read-back count = %d, want 1", requester.count())
	}
	if got := requester.last(); got != (Address{Node: 12, Endpoint: 1}) {
		t.Errorf("read-back address = %s, want 12/1", got)
	}

	// The settled level arrives via the later report, not from stop itself.
	events.Publish(Event{Kind: EventNodeRemoved, Node: 1})
	if e := waitEvent(t, ch); e.Kind != EventNodeRemoved {
		t.Errorf("stop level change emitted %q event", e.Kind)
	}
}

func TestSwitchMultilevelIgnoredCommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  byte
	}{
		{"start level change", switchMultilevelStartLevelChange},
		{"inbound set", switchMultilevelSet},
		{"inbound get", switchMultilevelGet},
		{"supported get", switchMultilevelSupportedGet},
		{"supported report", switchMultilevelSupportedReport},
		{"unknown command", 0xEE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, ch := captureEvents(t)
			requester := &recordingRequester{}
			h := newTestMultilevelHandler(t, HandlerDeps{Events: events, Requester: requester})

			h.HandleCommand(tt.cmd, []byte{0x32}, 0)

			events.Publish(Event{Kind: EventNodeRemoved, Node: 1})
			if e := waitEvent(t, ch); e.Kind != EventNodeRemoved {
				t.Errorf("command 0x%02X emitted %q event", tt.cmd, e.Kind)
			}
			if _, known := h.Level(); known {
				t.Errorf("command 0x%02X set the stored level", tt.cmd)
			}
			if requester.count() != 0 {
				t.Errorf("command 0x%02X triggered %d read-backs, want 0", tt.cmd, requester.count())
			}
		})
	}
}

func TestSwitchMultilevelBuildGet(t *testing.T) {
	h := newTestMultilevelHandler(t, HandlerDeps{})

	frame := h.BuildGet()

	// Node 12, length 2, class 0x26, SWITCH_MULTILEVEL_GET
	want := []byte{0x0C, 0x02, 0x26, 0x02}
	if got := frame.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = %X, want %X", got, want)
	}
	if frame.Priority != PriorityGet {
		t.Errorf("Priority = %s, want get", frame.Priority)
	}
	if _, known := h.Level(); known {
		t.Error("BuildGet changed the stored level")
	}
}

func TestSwitchMultilevelBuildSet(t *testing.T) {
	h := newTestMultilevelHandler(t, HandlerDeps{})

	frame := h.BuildSet(50)

	// Node 12, length 3, class 0x26, SWITCH_MULTILEVEL_SET, level 50
	want := []byte{0x0C, 0x03, 0x26, 0x01, 0x32}
	if got := frame.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = %X, want %X", got, want)
	}
	if frame.Priority != PrioritySet {
		t.Errorf("Priority = %s, want set", frame.Priority)
	}

	level, known := h.Level()
	if !known || level != 50 {
		t.Errorf("Level() = %d, %v, want 50, true (set is optimistic)", level, known)
	}
}

func TestSwitchMultilevelIncrease(t *testing.T) {
	t.Run("steps from unset", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})

		// An unset level counts as 0, so repeated increases walk the
		// step boundaries.
		for i, want := range []int{5, 10, 15, 20, 25} {
			frame := h.BuildIncreaseLevel()
			if len(frame.Payload) != 1 || int(frame.Payload[0]) != want {
				t.Fatalf("increase %d payload = %X, want %02X", i+1, frame.Payload, want)
			}
			if level, known := h.Level(); !known || level != want {
				t.Fatalf("increase %d stored level = %d, want %d", i+1, level, want)
			}
		}
	})

	t.Run("clamps at full", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		h.HandleCommand(switchMultilevelReport, []byte{97}, 0)

		frame := h.BuildIncreaseLevel()
		if int(frame.Payload[0]) != LevelMax {
			t.Errorf("increase from 97 = %d, want %d", frame.Payload[0], LevelMax)
		}

		frame = h.BuildIncreaseLevel()
		if int(frame.Payload[0]) != LevelMax {
			t.Errorf("increase from full = %d, want %d", frame.Payload[0], LevelMax)
		}
	})

	t.Run("priority", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		if p := h.BuildIncreaseLevel().Priority; p != PrioritySet {
			t.Errorf("Priority = %s, want set", p)
		}
	})
}

func TestSwitchMultilevelDecrease(t *testing.T) {
	report := func(t *testing.T, h *SwitchMultilevelHandler, level byte) {
		t.Helper()
		h.HandleCommand(switchMultilevelReport, []byte{level}, 0)
	}

	t.Run("from full snaps to step boundary", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		report(t, h, 99)

		frame := h.BuildDecreaseLevel()
		if int(frame.Payload[0]) != 95 {
			t.Errorf("decrease from 99 = %d, want 95", frame.Payload[0])
		}
	})

	t.Run("steps down", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		report(t, h, 95)

		for i, want := range []int{90, 85, 80} {
			frame := h.BuildDecreaseLevel()
			if int(frame.Payload[0]) != want {
				t.Fatalf("decrease %d = %d, want %d", i+1, frame.Payload[0], want)
			}
		}
	})

	t.Run("floors at zero", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		report(t, h, 3)

		frame := h.BuildDecreaseLevel()
		if int(frame.Payload[0]) != 0 {
			t.Errorf("decrease from 3 = %d, want 0", frame.Payload[0])
		}
	})

	t.Run("zero stays zero", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		report(t, h, 0)

		frame := h.BuildDecreaseLevel()
		if int(frame.Payload[0]) != 0 {
			t.Errorf("decrease from 0 = %d, want 0", frame.Payload[0])
		}
		if level, known := h.Level(); !known || level != 0 {
			t.Errorf("Level() = %d, %v, want 0, true", level, known)
		}
	})

	t.Run("from unset stays zero", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})

		frame := h.BuildDecreaseLevel()
		if int(frame.Payload[0]) != 0 {
			t.Errorf("decrease from unset = %d, want 0", frame.Payload[0])
		}
		if level, known := h.Level(); !known || level != 0 {
			t.Errorf("Level() = %d, %v, want 0, true", level, known)
		}
	})

	t.Run("frame layout and priority", func(t *testing.T) {
		h := newTestMultilevelHandler(t, HandlerDeps{})
		report(t, h, 50)

		frame := h.BuildDecreaseLevel()
		want := []byte{0x0C, 0x03, 0x26, 0x01, 0x2D}
		if got := frame.Encode(); !bytes.Equal(got, want) {
			t.Errorf("Encode() = %X, want %X", got, want)
		}
		// Decrease frames queue at get priority, ahead of plain sets.
		if frame.Priority != PriorityGet {
			t.Errorf("Priority = %s, want get", frame.Priority)
		}
	})
}

func TestSwitchMultilevelSetThenReport(t *testing.T) {
	events, ch := captureEvents(t)
	h := newTestMultilevelHandler(t, HandlerDeps{Events: events})

	h.BuildSet(40)
	if level, _ := h.Level(); level != 40 {
		t.Fatalf("stored level after set = %d, want 40", level)
	}

	// The device settled elsewhere; its report wins over the optimistic
	// stored value.
	h.HandleCommand(switchMultilevelReport, []byte{60}, 0)

	e := waitEvent(t, ch)
	if level, ok := e.Value.Level(); !ok || level != 60 {
		t.Errorf("event value = %s, want level 60", e.Value)
	}
	if level, _ := h.Level(); level != 60 {
		t.Errorf("stored level after report = %d, want 60", level)
	}
}

func TestSwitchMultilevelVersion(t *testing.T) {
	h := newTestMultilevelHandler(t, HandlerDeps{})

	if v := h.Version(); v != 1 {
		t.Errorf("default Version() = %d, want 1", v)
	}

	h.SetVersion(2)
	if v := h.Version(); v != 2 {
		t.Errorf("Version() = %d, want 2", v)
	}

	h.SetVersion(5)
	if v := h.Version(); v != switchMultilevelMaxVersion {
		t.Errorf("Version() = %d, want cap %d", v, switchMultilevelMaxVersion)
	}

	h.SetVersion(0)
	if v := h.Version(); v != switchMultilevelMaxVersion {
		t.Errorf("Version() = %d after SetVersion(0), want unchanged %d", v, switchMultilevelMaxVersion)
	}

	if h.CommandClass() != CommandClassSwitchMultilevel {
		t.Errorf("CommandClass() = %s, want switch_multilevel", h.CommandClass())
	}
}
