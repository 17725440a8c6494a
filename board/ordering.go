package board

import (
	"sort"

	"opsboard/domain"
)

// Partition returns the tasks belonging to column, sorted ascending by
// position. Position ties should not occur; identifiers break them so the
// result stays deterministic.
func Partition(tasks []domain.Task, column domain.Column) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Column == column {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NextAppendPosition returns the position a newly created task takes at the
// end of column: max existing position plus one, or zero when the column is
// empty. Gaps left by deletions are never backfilled.
func NextAppendPosition(tasks []domain.Task, column domain.Column) int {
	max := -1
	for _, t := range tasks {
		if t.Column == column && t.Position > max {
			max = t.Position
		}
	}
	return max + 1
}

// ComputeMoveTarget returns the position to assign movingID when it is
// dropped into targetColumn. Moves always append to the end of the
// destination column: the position lands strictly after every task already
// there, the moving task itself excluded, so a move can never collide with
// an existing position even when deletions have left gaps. targetIndex is
// accepted from drag callers but does not influence the result.
func ComputeMoveTarget(tasks []domain.Task, movingID string, targetColumn domain.Column, targetIndex int) (int, error) {
	found := false
	max := -1
	for _, t := range tasks {
		if t.ID == movingID {
			found = true
			continue
		}
		if t.Column == targetColumn && t.Position > max {
			max = t.Position
		}
	}
	if !found {
		return 0, ErrTaskNotFound
	}
	return max + 1, nil
}
