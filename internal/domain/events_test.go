package domain

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	live := []Status{StatusSubmitted, StatusQueued, StatusProvisioning, StatusRunning}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusRunning.Valid() {
		t.Error("running should be valid")
	}
	if Status("pending").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if !p.Valid() {
			t.Errorf("%q.Valid() = false, want true", p)
		}
	}
	if Priority("urgent").Valid() {
		t.Error("unknown priority should not be valid")
	}
}

func TestEventKindTerminal(t *testing.T) {
	terminal := []EventKind{EventCompleted, EventFailed, EventTimeout, EventCancelled}
	for _, k := range terminal {
		if !k.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", k)
		}
	}
	live := []EventKind{EventSubmitted, EventQueued, EventProvisioning, EventRunning, EventRetryScheduled, EventDLQ}
	for _, k := range live {
		if k.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", k)
		}
	}
}

func TestChannelFor(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{EventSubmitted, ChannelSubmitted},
		{EventQueued, ChannelQueued},
		{EventProvisioning, ChannelQueued},
		{EventRunning, ChannelRunning},
		{EventCompleted, ChannelCompleted},
		{EventFailed, ChannelFailed},
		{EventTimeout, ChannelTimeout},
		{EventCancelled, ChannelCancelled},
		{EventRetryScheduled, ChannelRetry},
		{EventDLQ, ChannelDLQ},
	}
	for _, tt := range tests {
		if got := ChannelFor(tt.kind); got != tt.want {
			t.Errorf("ChannelFor(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestAllChannelsCoversEveryKind(t *testing.T) {
	channels := make(map[string]bool)
	for _, ch := range AllChannels() {
		channels[ch] = true
	}
	kinds := []EventKind{
		EventSubmitted, EventQueued, EventProvisioning, EventRunning,
		EventCompleted, EventFailed, EventTimeout, EventCancelled,
		EventRetryScheduled, EventDLQ,
	}
	for _, k := range kinds {
		if !channels[ChannelFor(k)] {
			t.Errorf("AllChannels misses channel for kind %q", k)
		}
	}
}

func TestTransitionEventID(t *testing.T) {
	a := TransitionEventID("01HZX", EventCompleted)
	b := TransitionEventID("01HZX", EventCompleted)
	if a != b {
		t.Fatalf("same eval and kind must yield the same id: %q vs %q", a, b)
	}
	if a == TransitionEventID("01HZX", EventFailed) {
		t.Fatal("different kinds must yield different ids")
	}
	if a == TransitionEventID("01HZY", EventCompleted) {
		t.Fatal("different evals must yield different ids")
	}
}
