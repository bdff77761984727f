// Package routine models routine instances, the per-day chores a stable
// member can claim during their selection turn.
package routine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"equiduty.org/internal/selection"
)

// Instance is one routine occurrence on a calendar day.
type Instance struct {
	ID               string         `json:"id"`
	StableID         string         `json:"stable_id"`
	Name             string         `json:"name"`
	Date             selection.Date `json:"date"`
	AssignedUserID   string         `json:"assigned_user_id,omitempty"`
	AssignedUserName string         `json:"assigned_user_name,omitempty"`
}

// Assigned reports whether the instance has been claimed.
func (i Instance) Assigned() bool { return i.AssignedUserID != "" }

// Assignment identifies the claiming user.
type Assignment struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// AssignResult is the outcome of a claim attempt. Message is set when the
// claim was rejected for a reason the user can act on.
type AssignResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Service is the routine-instance collaborator consumed by the detail
// controller.
type Service interface {
	InstancesForDateRange(ctx context.Context, stableID string, start, end selection.Date) ([]Instance, error)
	AssignInstance(ctx context.Context, instanceID string, a Assignment) (AssignResult, error)
}

// HolderSource answers who currently holds the active selection turn covering
// a date. The selection backend implements it.
type HolderSource interface {
	ActiveHolder(stableID string, on selection.Date) (selection.Member, bool)
}

// InMemory is the reference routine backend. Self-assignment is guarded by
// the active selection window: only the current-turn holder may claim.
type InMemory struct {
	mu        sync.RWMutex
	holders   HolderSource
	instances map[string]*Instance
}

// NewInMemory creates an empty backend. holders may be nil, which disables
// the current-holder guard (used by tests that exercise pure listing).
func NewInMemory(holders HolderSource) *InMemory {
	return &InMemory{
		holders:   holders,
		instances: make(map[string]*Instance),
	}
}

// SeedInstance registers an instance, replacing any previous one with the
// same ID.
func (s *InMemory) SeedInstance(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := inst
	s.instances[inst.ID] = &copied
}

func (s *InMemory) InstancesForDateRange(ctx context.Context, stableID string, start, end selection.Date) ([]Instance, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end before start: %w", selection.ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Instance
	for _, inst := range s.instances {
		if inst.StableID != stableID {
			continue
		}
		if inst.Date.Before(start) || inst.Date.After(end) {
			continue
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *InMemory) AssignInstance(ctx context.Context, instanceID string, a Assignment) (AssignResult, error) {
	if a.UserID == "" {
		return AssignResult{}, fmt.Errorf("user id is required: %w", selection.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return AssignResult{}, fmt.Errorf("instance %s: %w", instanceID, selection.ErrNotFound)
	}
	if inst.Assigned() {
		return AssignResult{Success: false, Message: "routine is already assigned"}, nil
	}
	if s.holders != nil {
		holder, ok := s.holders.ActiveHolder(inst.StableID, inst.Date)
		if !ok {
			return AssignResult{}, fmt.Errorf("no active selection window covers %s: %w", inst.Date, selection.ErrInvalidStatus)
		}
		if holder.UserID != a.UserID {
			return AssignResult{}, selection.ErrNotCurrentTurn
		}
	}
	inst.AssignedUserID = a.UserID
	inst.AssignedUserName = a.UserName
	return AssignResult{Success: true}, nil
}

// Week is a Monday-based 7-day window used to page routine instances.
type Week struct {
	Start selection.Date
}

// WeekOf returns the week containing d.
func WeekOf(d selection.Date) Week {
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	return Week{Start: d.AddDays(-offset)}
}

// End returns the Sunday closing the week.
func (w Week) End() selection.Date { return w.Start.AddDays(6) }

// Shift returns the week moved by n weeks (negative for past weeks).
func (w Week) Shift(n int) Week { return Week{Start: w.Start.AddDays(7 * n)} }

// Contains reports whether d falls inside the week.
func (w Week) Contains(d selection.Date) bool {
	return !d.Before(w.Start) && !d.After(w.End())
}

// Days lists the seven dates of the week in order.
func (w Week) Days() []selection.Date {
	days := make([]selection.Date, 7)
	for i := range days {
		days[i] = w.Start.AddDays(i)
	}
	return days
}

func (w Week) String() string {
	return w.Start.String() + " to " + w.End().String()
}
