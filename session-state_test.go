package portalchat

import "testing"

func TestSessionState_String(t *testing.T) {
	states := map[SessionState]string{
		Idle:             "Idle",
		Connecting:       "Connecting",
		Open:             "Open",
		Closed:           "Closed",
		SessionState(42): "Unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}
