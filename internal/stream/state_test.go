package stream

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateCapturing, true},
		{StateIdle, StateStreaming, false},
		{StateIdle, StateIdle, false},
		{StateCapturing, StateStreaming, true},
		{StateCapturing, StateDraining, true},
		{StateCapturing, StateIdle, true},
		{StateStreaming, StateCapturing, false},
		{StateStreaming, StateDraining, true},
		{StateStreaming, StateIdle, true},
		{StateDraining, StateStreaming, false},
		{StateDraining, StateIdle, true},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if got := State(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
	if got := StateDraining.String(); got != "draining" {
		t.Errorf("String() = %q, want draining", got)
	}
}
