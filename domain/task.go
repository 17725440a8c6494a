package domain

import "time"

// Column is one of the fixed board buckets a task belongs to.
type Column string

const (
	ColumnTopPriorities          Column = "top_priorities"
	ColumnJobSearchPipe          Column = "job_search_pipe"
	ColumnIntelligenceMonitoring Column = "intelligence_monitoring"
	ColumnTonightsMission        Column = "tonights_mission"
	ColumnFamilyPersonal         Column = "family_personal"
	ColumnDone                   Column = "done"
)

var columnOrder = []Column{
	ColumnTopPriorities,
	ColumnJobSearchPipe,
	ColumnIntelligenceMonitoring,
	ColumnTonightsMission,
	ColumnFamilyPersonal,
	ColumnDone,
}

var columnTitles = map[Column]string{
	ColumnTopPriorities:          "Top Priorities",
	ColumnJobSearchPipe:          "Job Search Pipe",
	ColumnIntelligenceMonitoring: "Intelligence & Monitoring",
	ColumnTonightsMission:        "Tonight's Mission",
	ColumnFamilyPersonal:         "Family & Personal",
	ColumnDone:                   "Done",
}

// Columns returns all board columns in display order.
func Columns() []Column {
	out := make([]Column, len(columnOrder))
	copy(out, columnOrder)
	return out
}

// Valid reports whether c is one of the fixed board columns.
func (c Column) Valid() bool {
	_, ok := columnTitles[c]
	return ok
}

// Title returns the human-readable column heading.
func (c Column) Title() string {
	return columnTitles[c]
}

// Task represents a single board card owned by one user.
type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Column      Column    `json:"column"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskDraft carries the fields of a task before the store assigns
// an identifier and timestamps.
type TaskDraft struct {
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Column      Column `json:"column"`
	Position    int    `json:"position"`
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Column      *Column `json:"column,omitempty"`
	Position    *int    `json:"position,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Column == nil && p.Position == nil
}
