package status

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestFromButton(t *testing.T) {
	tests := []struct {
		index   int
		want    Status
		wantErr bool
	}{
		{0, Available, false},
		{1, Busy, false},
		{2, Tentative, false},
		{3, 0, true},
		{5, 0, true},
		{99, 0, true},
		{-1, 0, true},
	}
	for _, tt := range tests {
		got, err := FromButton(tt.index)
		if tt.wantErr {
			if !errors.Is(err, ErrUnrecognized) {
				t.Errorf("FromButton(%d) error = %v, want ErrUnrecognized", tt.index, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("FromButton(%d) unexpected error: %v", tt.index, err)
		}
		if got != tt.want {
			t.Errorf("FromButton(%d) = %v, want %v", tt.index, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	for _, s := range All() {
		got, err := Parse(s.String())
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", s.String(), err)
		}
		if got != s {
			t.Errorf("Parse(%q) = %v, want %v", s.String(), got, s)
		}
	}

	for _, bad := range []string{"", "unknown", "BUSY", "away"} {
		if _, err := Parse(bad); !errors.Is(err, ErrUnrecognized) {
			t.Errorf("Parse(%q) error = %v, want ErrUnrecognized", bad, err)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	if Status(0).Valid() {
		t.Error("zero Status should not be valid")
	}
	if Status(4).Valid() {
		t.Error("Status(4) should not be valid")
	}
	for _, s := range All() {
		if !s.Valid() {
			t.Errorf("%v should be valid", s)
		}
	}
}

func TestStatus_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Busy)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(data) != `"busy"` {
		t.Errorf("Marshal(Busy) = %s, want %q", data, `"busy"`)
	}

	if _, err := json.Marshal(Status(0)); err == nil {
		t.Error("marshalling the zero Status should fail")
	}

	var s Status
	if err := json.Unmarshal([]byte(`"tentative"`), &s); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if s != Tentative {
		t.Errorf("Unmarshal = %v, want %v", s, Tentative)
	}

	if err := json.Unmarshal([]byte(`"unknown"`), &s); err == nil {
		t.Error("unmarshalling \"unknown\" should fail")
	}
}
