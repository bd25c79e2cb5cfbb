package buildstate

import (
	"strings"
	"testing"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]string]bool{
		{Queued, Building}:    true,
		{Queued, Canceled}:    true,
		{Building, Completed}: true,
		{Building, Failed}:    true,
		{Building, Canceled}:  true,
		{Building, Queued}:    true,
	}
	for _, from := range All() {
		for _, to := range All() {
			want := allowed[[2]string{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range All() {
		terminal := s == Completed || s == Failed || s == Canceled
		if Terminal(s) != terminal {
			t.Errorf("Terminal(%s) = %v", s, Terminal(s))
		}
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	for _, from := range []string{Completed, Failed, Canceled} {
		for _, to := range All() {
			if CanTransition(from, to) {
				t.Errorf("terminal %s may move to %s", from, to)
			}
		}
	}
}

func TestCheck(t *testing.T) {
	if err := Check(Queued, Building); err != nil {
		t.Errorf("Check(QUEUED, BUILDING) = %v", err)
	}
	err := Check(Completed, Queued)
	if err == nil || !strings.Contains(err.Error(), "illegal transition COMPLETED -> QUEUED") {
		t.Errorf("Check(COMPLETED, QUEUED) = %v", err)
	}
	err = Check(Queued, "PAUSED")
	if err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Errorf("Check(QUEUED, PAUSED) = %v", err)
	}
}
