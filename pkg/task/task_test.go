package task

import "testing"

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"pending":    true,
		"processing": true,
		"completed":  true,
		"failed":     true,
		"bogus":      false,
		"":           false,
	}
	for s, want := range cases {
		if got := Valid(s); got != want {
			t.Errorf("Valid(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{Pending, Processing, true},
		{Pending, Completed, false},
		{Pending, Failed, false},
		{Processing, Completed, true},
		{Processing, Failed, true},
		{Processing, Pending, false},
		{Failed, Pending, true},
		{Failed, Completed, false},
		{Completed, Pending, false},
		{Completed, Completed, true},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestLessOrdersByPriorityThenSequence(t *testing.T) {
	high := &Task{Priority: 1}
	high.SetSequence(5)
	low := &Task{Priority: 5}
	low.SetSequence(1)

	if !high.Less(low) {
		t.Error("expected lower priority number to sort first regardless of sequence")
	}

	a := &Task{Priority: 3}
	a.SetSequence(1)
	b := &Task{Priority: 3}
	b.SetSequence(2)
	if !a.Less(b) {
		t.Error("expected earlier sequence to sort first within the same priority")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := &Task{
		ID:      "t1",
		Payload: map[string]any{"k": "v"},
	}
	clone := original.Clone()
	clone.Payload["k"] = "changed"
	clone.ID = "t2"

	if original.Payload["k"] != "v" {
		t.Error("mutating the clone's payload mutated the original")
	}
	if original.ID != "t1" {
		t.Error("mutating the clone's ID mutated the original")
	}
}
