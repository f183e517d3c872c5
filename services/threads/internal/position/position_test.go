package position

import "testing"

func TestRoot_EmptyItem(t *testing.T) {
	a := Root(0, false)
	if a.Position != 1 {
		t.Fatalf("expected position 1, got %d", a.Position)
	}
	if a.Shift() {
		t.Fatalf("root allocation must not shift, got %s", a)
	}
}

func TestRoot_AppendsAfterMax(t *testing.T) {
	a := Root(7, true)
	if a.Position != 8 {
		t.Fatalf("expected position 8, got %d", a.Position)
	}
	if a.Shift() {
		t.Fatalf("root allocation must not shift, got %s", a)
	}
}

// Gaps left by deletes are never reused: the root still goes after the max.
func TestRoot_IgnoresGaps(t *testing.T) {
	a := Root(3, true)
	if a.Position != 4 {
		t.Fatalf("expected position 4, got %d", a.Position)
	}
}

func TestReply(t *testing.T) {
	tests := []struct {
		parent int64
		want   Allocation
	}{
		{parent: 1, want: Allocation{Position: 2, ShiftFrom: 2, Delta: 1}},
		{parent: 2, want: Allocation{Position: 3, ShiftFrom: 3, Delta: 1}},
		{parent: 41, want: Allocation{Position: 42, ShiftFrom: 42, Delta: 1}},
	}
	for _, tt := range tests {
		got := Reply(tt.parent)
		if got != tt.want {
			t.Errorf("Reply(%d) = %+v, want %+v", tt.parent, got, tt.want)
		}
		if !got.Shift() {
			t.Errorf("Reply(%d) must shift", tt.parent)
		}
	}
}

func TestAllocationString(t *testing.T) {
	if got := Root(0, false).String(); got != "insert@1" {
		t.Fatalf("unexpected root string %q", got)
	}
	if got := Reply(1).String(); got != "shift[2..)+1 insert@2" {
		t.Fatalf("unexpected reply string %q", got)
	}
}
