package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDuration_JSON(t *testing.T) {
	b, err := json.Marshal(Duration(7 * time.Second))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"7s"` {
		t.Fatalf("marshal: got %s, want \"7s\"", b)
	}

	tests := []struct {
		in   string
		want time.Duration
	}{
		{in: `"3s"`, want: 3 * time.Second},
		{in: `"1h30m"`, want: 90 * time.Minute},
		{in: `3000`, want: 3 * time.Second},
		{in: `0`, want: 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if d.Std() != tt.want {
			t.Fatalf("unmarshal %s: got %s, want %s", tt.in, d.Std(), tt.want)
		}
	}
}

func TestDuration_UnmarshalRejectsInvalid(t *testing.T) {
	for _, in := range []string{`"soon"`, `-5`, `true`} {
		var d Duration
		if err := json.Unmarshal([]byte(in), &d); err == nil {
			t.Fatalf("unmarshal %s: expected error", in)
		}
	}
}
