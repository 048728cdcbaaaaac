// Package ordering computes order values for the entities of a container
// (the tasks of a list or the lists of a board).
//
// Orders are ranks: after any renumber the container holds exactly 0..n-1 in
// the sequence the caller supplied. All functions are pure.
package ordering

import (
	"fmt"
	"sort"

	"prism-board/domain"
)

// Assignment is the order given to one entity.
type Assignment struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// SourcePolicy says what happens to the container a task leaves.
type SourcePolicy int

const (
	// CompactSource renumbers the source container after removal.
	CompactSource SourcePolicy = iota
	// LeaveGap only renumbers the destination, leaving a hole in the source.
	LeaveGap
)

// ParseSourcePolicy maps a config value to a policy.
func ParseSourcePolicy(v string) (SourcePolicy, error) {
	switch v {
	case "", "compact":
		return CompactSource, nil
	case "gap":
		return LeaveGap, nil
	default:
		return 0, fmt.Errorf("unknown source policy %q", v)
	}
}

func (p SourcePolicy) String() string {
	if p == LeaveGap {
		return "gap"
	}
	return "compact"
}

// Renumber assigns order = index for every id in sequence.
func Renumber(sequence []string) []Assignment {
	out := make([]Assignment, len(sequence))
	for i, id := range sequence {
		out[i] = Assignment{ID: id, Order: i}
	}
	return out
}

// ValidateSequence checks that desired is a permutation of members.
// Foreign ids, duplicates and omissions are all validation failures, so a
// renumber never inserts an entity that the container does not own.
func ValidateSequence(desired, members []string) error {
	owned := make(map[string]bool, len(members))
	for _, id := range members {
		owned[id] = false
	}
	for _, id := range desired {
		seen, ok := owned[id]
		if !ok {
			return fmt.Errorf("%w: %s does not belong to the container", domain.ErrValidation, id)
		}
		if seen {
			return fmt.Errorf("%w: %s appears more than once", domain.ErrValidation, id)
		}
		owned[id] = true
	}
	if len(desired) != len(members) {
		for _, id := range members {
			if !owned[id] {
				return fmt.Errorf("%w: sequence is missing %s", domain.ErrValidation, id)
			}
		}
	}
	return nil
}

// Move removes id from source and inserts it at insertIndex in dest, which must
// be a different container. insertIndex is clamped to [0, len(dest)]. Inputs
// are not modified; the caller renumbers the returned destination and decides
// about the source according to its SourcePolicy.
func Move(source, dest []string, id string, insertIndex int) ([]string, []string, error) {
	from := indexOf(source, id)
	if from < 0 {
		return nil, nil, fmt.Errorf("%w: %s is not in the source container", domain.ErrValidation, id)
	}
	if indexOf(dest, id) >= 0 {
		return nil, nil, fmt.Errorf("%w: %s is already in the destination container", domain.ErrValidation, id)
	}
	newSource := make([]string, 0, len(source)-1)
	newSource = append(newSource, source[:from]...)
	newSource = append(newSource, source[from+1:]...)

	if insertIndex < 0 {
		insertIndex = 0
	}
	if insertIndex > len(dest) {
		insertIndex = len(dest)
	}
	newDest := make([]string, 0, len(dest)+1)
	newDest = append(newDest, dest[:insertIndex]...)
	newDest = append(newDest, id)
	newDest = append(newDest, dest[insertIndex:]...)
	return newSource, newDest, nil
}

// Reorder moves id to index within a single container.
func Reorder(seq []string, id string, index int) ([]string, error) {
	rest, moved, err := Move(seq, nil, id, 0)
	if err != nil {
		return nil, err
	}
	_, out, err := Move(moved, rest, id, index)
	return out, err
}

// SequenceFromPositions turns client supplied {id, order} pairs into a
// sequence, sorting by order. Equal orders keep payload order.
func SequenceFromPositions(positions []domain.Position) ([]string, error) {
	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	seen := make(map[string]struct{}, len(sorted))
	for _, p := range sorted {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: empty id in positions", domain.ErrValidation)
		}
		if p.Order < 0 {
			return nil, fmt.Errorf("%w: negative order for %s", domain.ErrValidation, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s appears more than once", domain.ErrValidation, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = p.ID
	}
	return out, nil
}

// NextOrder returns max(existing)+1, or 0 for an empty container.
func NextOrder(existing []int) int {
	next := 0
	for _, o := range existing {
		if o+1 > next {
			next = o + 1
		}
	}
	return next
}

// InsertionIndex returns the first index whose order is >= order, scanning
// linearly. orders is expected ascending; it returns len(orders) when every
// element sorts before order.
func InsertionIndex(orders []int, order int) int {
	for i, o := range orders {
		if o >= order {
			return i
		}
	}
	return len(orders)
}

func indexOf(seq []string, id string) int {
	for i, v := range seq {
		if v == id {
			return i
		}
	}
	return -1
}
