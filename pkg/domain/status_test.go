package domain

import "testing"

func TestStatusLattice(t *testing.T) {
	cases := []struct {
		from, to StatusName
		want     bool
	}{
		{StatusNone, StatusReady, true},
		{StatusReady, StatusTrashed, true},
		{StatusTrashed, StatusReady, true},
		{StatusPendingDelete, StatusDeleting, true},
		{StatusDeleting, StatusDeleted, true},
		{StatusDeleting, StatusReady, false},
		{StatusRemoved, StatusReady, false},
		{StatusReady, StatusReady, false},
		{StatusDeleted, StatusTrashed, true},
		{StatusRemoved, StatusTrashed, true},
		{StatusRemoved, StatusDeleted, false},
		{StatusDeleted, StatusDeleting, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []StatusName{StatusTrashed, StatusDeleted, StatusRemoved} {
		if !s.IsDeleted() {
			t.Errorf("%s should count as deleted", s)
		}
	}
	for _, s := range VisibleStatuses {
		if s.IsDeleted() {
			t.Errorf("visible status %s must not count as deleted", s)
		}
	}
	if StatusTrashed.IsTerminal() || !StatusRemoved.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
	if StatusName("GONE").Valid() || !StatusInvalid.Valid() {
		t.Fatalf("unexpected validity")
	}
}

func TestStatusesExceptKeepsLatticeOrder(t *testing.T) {
	got := StatusesExcept(StatusDeleted, StatusNone)
	if len(got) != len(AllStatuses)-2 {
		t.Fatalf("unexpected length %d", len(got))
	}
	if got[0] != StatusReady || got[len(got)-1] != StatusInvalid {
		t.Fatalf("unexpected order %v", got)
	}
}
