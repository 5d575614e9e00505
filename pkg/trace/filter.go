// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import "fmt"

// Filter references a predicate in the global filter registry. Commit
// evaluates a CPU's filters in order; the first predicate returning false
// discards the entry.
type Filter int

const (
	// FilterMemRegions retains entries whose PC or memory accesses fall
	// inside the configured debug regions. With no regions configured it
	// matches everything.
	FilterMemRegions Filter = iota
	// FilterEvents retains only entries that carry at least one event.
	FilterEvents

	filterMax
)

func (f Filter) String() string {
	switch f {
	case FilterMemRegions:
		return "mem-regions"
	case FilterEvents:
		return "events"
	default:
		return fmt.Sprintf("filter(%d)", int(f))
	}
}

// FilterFunc is a pure predicate over a committed entry.
type FilterFunc func(s *State, e *Entry) bool

// filterTable maps Filter values to their predicates. Indices must match
// the Filter constants.
var filterTable = [filterMax]FilterFunc{
	FilterMemRegions: memRegionsFilter,
	FilterEvents:     eventsFilter,
}

func memRegionsFilter(s *State, e *Entry) bool {
	regions := s.tracer.regions
	if regions.Empty() {
		return true
	}
	if regions.Contains(e.PC) {
		return true
	}
	for i := range e.Mem {
		if regions.Contains(e.Mem[i].Addr) {
			return true
		}
	}
	return false
}

func eventsFilter(_ *State, e *Entry) bool {
	return len(e.Events) > 0
}

// AddFilter appends a filter to this CPU's pipeline. Duplicate additions
// are ignored; an invalid filter index is logged and ignored.
func (s *State) AddFilter(f Filter) {
	if f < 0 || f >= filterMax {
		s.logger.Info("instruction trace filter index is invalid", "filter", int(f))
		return
	}
	for _, have := range s.filters {
		if have == f {
			return
		}
	}
	s.filters = append(s.filters, f)
}

// RemoveFilter removes a filter from this CPU's pipeline, preserving the
// order of the remaining filters. Removing a filter that is not installed
// is a no-op; an invalid index is logged and ignored.
func (s *State) RemoveFilter(f Filter) {
	if f < 0 || f >= filterMax {
		s.logger.Info("instruction trace filter index is invalid", "filter", int(f))
		return
	}
	for i, have := range s.filters {
		if have == f {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return
		}
	}
}

// Filters returns the CPU's filter pipeline in evaluation order.
func (s *State) Filters() []Filter {
	out := make([]Filter, len(s.filters))
	copy(out, s.filters)
	return out
}
