package zwave

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{
			name:  "root endpoint",
			input: "12",
			want:  Address{Node: 12},
		},
		{
			name:  "with endpoint",
			input: "12/2",
			want:  Address{Node: 12, Endpoint: 2},
		},
		{
			name:  "lowest node",
			input: "1",
			want:  Address{Node: 1},
		},
		{
			name:  "highest node",
			input: "232",
			want:  Address{Node: 232},
		},
		{
			name:  "surrounding whitespace",
			input: " 12 / 2 ",
			want:  Address{Node: 12, Endpoint: 2},
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "node zero",
			input:   "0",
			wantErr: true,
		},
		{
			name:    "node above range",
			input:   "233",
			wantErr: true,
		},
		{
			name:    "not a number",
			input:   "abc",
			wantErr: true,
		},
		{
			name:    "missing endpoint after slash",
			input:   "12/",
			wantErr: true,
		},
		{
			name:    "too many parts",
			input:   "12/2/3",
			wantErr: true,
		},
		{
			name:    "endpoint not a number",
			input:   "12/x",
			wantErr: true,
		},
		{
			name:    "endpoint above byte range",
			input:   "12/300",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)

			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) expected error, got nil", tt.input)
					return
				}
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParseAddress(%q) error = %v, want ErrInvalidAddress", tt.input, err)
				}
				return
			}

			if err != nil {
				t.Errorf("ParseAddress(%q) unexpected error: %v", tt.input, err)
				return
			}

			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressString(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{
			name: "root endpoint omits the slash",
			addr: Address{Node: 12},
			want: "12",
		},
		{
			name: "endpoint included",
			addr: Address{Node: 12, Endpoint: 2},
			want: "12/2",
		},
		{
			name: "single digit",
			addr: Address{Node: 7, Endpoint: 1},
			want: "7/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.addr.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddressRoundTrip(t *testing.T) {
	addrs := []Address{
		{Node: 1},
		{Node: 12, Endpoint: 2},
		{Node: 232, Endpoint: 255},
	}

	for _, addr := range addrs {
		parsed, err := ParseAddress(addr.String())
		if err != nil {
			t.Errorf("ParseAddress(%q) error: %v", addr.String(), err)
			continue
		}
		if parsed != addr {
			t.Errorf("round trip %q = %+v, want %+v", addr.String(), parsed, addr)
		}
	}
}

func TestNodeIDValid(t *testing.T) {
	tests := []struct {
		node NodeID
		want bool
	}{
		{0, false},
		{1, true},
		{12, true},
		{232, true},
		{233, false},
		{255, false},
	}

	for _, tt := range tests {
		if got := tt.node.Valid(); got != tt.want {
			t.Errorf("NodeID(%d).Valid() = %v, want %v", tt.node, got, tt.want)
		}
	}
}

func TestAddressIsRoot(t *testing.T) {
	if !(Address{Node: 12}).IsRoot() {
		t.Error("IsRoot() = false for endpoint 0, want true")
	}
	if (Address{Node: 12, Endpoint: 1}).IsRoot() {
		t.Error("IsRoot() = true for endpoint 1, want false")
	}
}
