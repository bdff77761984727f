package routine

import (
	"context"
	"errors"
	"testing"

	"equiduty.org/internal/selection"
)

func date(t *testing.T, s string) selection.Date {
	t.Helper()
	d, err := selection.ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func TestWeekOfStartsOnMonday(t *testing.T) {
	cases := map[string]string{
		"2026-08-24": "2026-08-24", // Monday
		"2026-08-26": "2026-08-24", // Wednesday
		"2026-08-30": "2026-08-24", // Sunday
		"2026-08-31": "2026-08-31", // next Monday
	}
	for in, want := range cases {
		w := WeekOf(date(t, in))
		if w.Start.String() != want {
			t.Errorf("WeekOf(%s).Start = %s, want %s", in, w.Start, want)
		}
	}

	w := WeekOf(date(t, "2026-08-26"))
	if w.End().String() != "2026-08-30" {
		t.Fatalf("week end: %s", w.End())
	}
	if !w.Contains(date(t, "2026-08-24")) || !w.Contains(date(t, "2026-08-30")) {
		t.Fatal("week must contain its bounds")
	}
	if w.Contains(date(t, "2026-08-31")) {
		t.Fatal("week must not contain next Monday")
	}
	if got := w.Shift(1).Start.String(); got != "2026-08-31" {
		t.Fatalf("Shift(1): %s", got)
	}
	if got := w.Shift(-1).Start.String(); got != "2026-08-17" {
		t.Fatalf("Shift(-1): %s", got)
	}
	if days := w.Days(); len(days) != 7 || days[6] != w.End() {
		t.Fatalf("Days(): %v", days)
	}
}

func TestInstancesForDateRange(t *testing.T) {
	s := NewInMemory(nil)
	s.SeedInstance(Instance{ID: "i1", StableID: "st-1", Name: "Morning feed", Date: date(t, "2026-08-25")})
	s.SeedInstance(Instance{ID: "i2", StableID: "st-1", Name: "Evening feed", Date: date(t, "2026-08-25")})
	s.SeedInstance(Instance{ID: "i3", StableID: "st-1", Name: "Mucking", Date: date(t, "2026-08-24")})
	s.SeedInstance(Instance{ID: "i4", StableID: "st-2", Name: "Morning feed", Date: date(t, "2026-08-25")})
	s.SeedInstance(Instance{ID: "i5", StableID: "st-1", Name: "Mucking", Date: date(t, "2026-09-01")})

	out, err := s.InstancesForDateRange(context.Background(), "st-1", date(t, "2026-08-24"), date(t, "2026-08-30"))
	if err != nil {
		t.Fatalf("InstancesForDateRange: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(out))
	}
	// Sorted by date, then name.
	if out[0].ID != "i3" || out[1].ID != "i2" || out[2].ID != "i1" {
		t.Fatalf("unexpected order: %s %s %s", out[0].ID, out[1].ID, out[2].ID)
	}

	if _, err := s.InstancesForDateRange(context.Background(), "st-1", date(t, "2026-08-30"), date(t, "2026-08-24")); !errors.Is(err, selection.ErrInvalidInput) {
		t.Fatalf("inverted range accepted: %v", err)
	}
}

type fakeHolders struct {
	holder selection.Member
	active bool
}

func (f fakeHolders) ActiveHolder(stableID string, on selection.Date) (selection.Member, bool) {
	return f.holder, f.active
}

func TestAssignInstanceGuards(t *testing.T) {
	holder := selection.Member{UserID: "user-a", Name: "Anna"}
	s := NewInMemory(fakeHolders{holder: holder, active: true})
	s.SeedInstance(Instance{ID: "i1", StableID: "st-1", Name: "Morning feed", Date: date(t, "2026-08-25")})

	if _, err := s.AssignInstance(context.Background(), "missing", Assignment{UserID: "user-a"}); !errors.Is(err, selection.ErrNotFound) {
		t.Fatalf("missing instance: %v", err)
	}
	if _, err := s.AssignInstance(context.Background(), "i1", Assignment{}); !errors.Is(err, selection.ErrInvalidInput) {
		t.Fatalf("empty assignment: %v", err)
	}
	if _, err := s.AssignInstance(context.Background(), "i1", Assignment{UserID: "user-b", UserName: "Bjorn"}); !errors.Is(err, selection.ErrNotCurrentTurn) {
		t.Fatalf("non-holder claim: %v", err)
	}

	res, err := s.AssignInstance(context.Background(), "i1", Assignment{UserID: "user-a", UserName: "Anna"})
	if err != nil || !res.Success {
		t.Fatalf("holder claim failed: %+v %v", res, err)
	}

	// Second claim reports already-assigned without error.
	res, err = s.AssignInstance(context.Background(), "i1", Assignment{UserID: "user-a", UserName: "Anna"})
	if err != nil {
		t.Fatalf("re-claim errored: %v", err)
	}
	if res.Success || res.Message == "" {
		t.Fatalf("expected soft rejection, got %+v", res)
	}
}

func TestAssignInstanceRequiresActiveWindow(t *testing.T) {
	s := NewInMemory(fakeHolders{active: false})
	s.SeedInstance(Instance{ID: "i1", StableID: "st-1", Name: "Morning feed", Date: date(t, "2026-08-25")})

	if _, err := s.AssignInstance(context.Background(), "i1", Assignment{UserID: "user-a"}); !errors.Is(err, selection.ErrInvalidStatus) {
		t.Fatalf("claim without active window: %v", err)
	}
}
