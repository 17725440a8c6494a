package board

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"opsboard/domain"
)

// Store abstracts the persistent task store for one board session. Update
// and Remove take the owner id alongside the task id because the backing
// table is partitioned per owner; the controller only ever passes its own.
type Store interface {
	FetchAll(ctx context.Context, ownerID string) ([]domain.Task, error)
	Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error)
	Update(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	Remove(ctx context.Context, ownerID, taskID string) error
}

// Target identifies what a drag gesture is over: a column directly, or a
// task whose column becomes the destination. The zero Target means the
// pointer is outside any valid drop zone.
type Target struct {
	Column domain.Column
	TaskID string
}

// IsZero reports whether the target points at nothing.
func (t Target) IsZero() bool { return t.Column == "" && t.TaskID == "" }

type dragState struct {
	taskID       string
	fromColumn   domain.Column
	fromPosition int
}

// Controller owns the in-memory task collection for one owner's session.
// It applies optimistic mutations from drag gestures, persists them through
// the Store, rolls back on persistence failure and merges change-feed
// events under a pending-write precedence rule. All state access serializes
// on one mutex; the drop's store write runs with the lock released, covered
// by the pending mark, so reads and feed reconciliation stay live while the
// write is in flight.
type Controller struct {
	store   Store
	ownerID string
	logger  *log.Logger

	mu      sync.Mutex
	tasks   map[string]domain.Task
	pending map[string]struct{}
	drag    *dragState
}

// NewController creates a controller for ownerID backed by store.
func NewController(store Store, ownerID string, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		store:   store,
		ownerID: ownerID,
		logger:  logger,
		tasks:   make(map[string]domain.Task),
		pending: make(map[string]struct{}),
	}
}

// OwnerID returns the owner this session is scoped to.
func (c *Controller) OwnerID() string { return c.ownerID }

// Load fetches the owner's full task set and replaces local state
// wholesale, clearing any pending marks and drag state.
func (c *Controller) Load(ctx context.Context) error {
	tasks, err := c.store.FetchAll(ctx, c.ownerID)
	if err != nil {
		return storeErr("fetch", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		c.tasks[t.ID] = t
	}
	c.pending = make(map[string]struct{})
	c.drag = nil
	c.logger.WithFields(log.Fields{"owner": c.ownerID, "tasks": len(tasks)}).Debug("board loaded")
	return nil
}

// Create validates and persists a new task at the end of column. The task
// is only added to local state once the store confirms it; there is no
// speculative insert to reconcile against a store-assigned identifier.
func (c *Controller) Create(ctx context.Context, title string, column domain.Column, description string) (domain.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Task{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !column.Valid() {
		return domain.Task{}, &ValidationError{Field: "column", Reason: "unknown column"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	draft := domain.TaskDraft{
		OwnerID:     c.ownerID,
		Title:       title,
		Description: description,
		Column:      column,
		Position:    NextAppendPosition(c.snapshotLocked(), column),
	}
	created, err := c.store.Insert(ctx, draft)
	if err != nil {
		return domain.Task{}, storeErr("insert", err)
	}
	c.tasks[created.ID] = created
	return created, nil
}

// Edit updates title, description and column of an existing task. Position
// is untouched by plain edits. The edit is never applied optimistically:
// local state changes only when the store confirms.
func (c *Controller) Edit(ctx context.Context, taskID, title, description string, column domain.Column) (domain.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Task{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !column.Valid() {
		return domain.Task{}, &ValidationError{Field: "column", Reason: "unknown column"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[taskID]; !ok {
		return domain.Task{}, ErrTaskNotFound
	}

	patch := domain.TaskPatch{Title: &title, Description: &description, Column: &column}
	updated, err := c.store.Update(ctx, c.ownerID, taskID, patch)
	if err != nil {
		return domain.Task{}, storeErr("update", err)
	}
	c.tasks[updated.ID] = updated
	return updated, nil
}

// Delete removes a task. Local removal happens only on store confirmation.
func (c *Controller) Delete(ctx context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	if err := c.store.Remove(ctx, c.ownerID, taskID); err != nil {
		return storeErr("remove", err)
	}
	c.forgetLocked(taskID)
	return nil
}

// BeginDrag starts a drag gesture on taskID, retaining its current column
// and position so a failed drop can roll back.
func (c *Controller) BeginDrag(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginDragLocked(taskID)
}

func (c *Controller) beginDragLocked(taskID string) error {
	t, ok := c.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	c.drag = &dragState{taskID: taskID, fromColumn: t.Column, fromPosition: t.Position}
	return nil
}

// DragOver applies the optimistic column change while the pointer hovers
// over a new drop target. It is purely local: no store call, no position
// change, no pending mark. A gesture is started implicitly if BeginDrag was
// not called for this task.
func (c *Controller) DragOver(taskID string, over Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dragOverLocked(taskID, over)
}

func (c *Controller) dragOverLocked(taskID string, over Target) error {
	t, ok := c.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if c.drag == nil || c.drag.taskID != taskID {
		if err := c.beginDragLocked(taskID); err != nil {
			return err
		}
	}
	target, ok := c.resolveTargetLocked(over)
	if !ok || target == t.Column {
		return nil
	}
	t.Column = target
	c.tasks[taskID] = t
	return nil
}

// pendingDrop carries one drop's optimistic intent across the unlocked
// store write: what was applied locally and what to restore on failure.
type pendingDrop struct {
	taskID   string
	column   domain.Column
	position int
	snap     dragState
}

// EndDrag resolves the drop target, assigns the append position in the
// destination column and persists {column, position}. The optimistic
// column/position change and the pending mark are applied under the lock;
// the store write itself runs with the lock released so reads stay
// serviceable and feed events for the task are discarded while the write is
// in flight. On store failure the task's column and position revert to
// their values at the start of the gesture and the error is surfaced; there
// is no automatic retry. A drop outside any valid target performs no
// mutation.
func (c *Controller) EndDrag(ctx context.Context, taskID string, over Target) (domain.Task, error) {
	c.mu.Lock()
	drop, t, err := c.prepareDropLocked(taskID, over)
	c.mu.Unlock()
	if err != nil || drop == nil {
		return t, err
	}
	return c.commitDrop(ctx, *drop)
}

func (c *Controller) prepareDropLocked(taskID string, over Target) (*pendingDrop, domain.Task, error) {
	t, ok := c.tasks[taskID]
	if !ok {
		c.drag = nil
		return nil, domain.Task{}, ErrTaskNotFound
	}
	target, ok := c.resolveTargetLocked(over)
	if !ok {
		c.drag = nil
		return nil, t, nil
	}
	if c.drag == nil || c.drag.taskID != taskID {
		if err := c.beginDragLocked(taskID); err != nil {
			return nil, domain.Task{}, err
		}
	}
	snap := *c.drag
	c.drag = nil

	position, err := ComputeMoveTarget(c.snapshotLocked(), taskID, target, -1)
	if err != nil {
		return nil, domain.Task{}, err
	}

	t.Column = target
	t.Position = position
	c.tasks[taskID] = t
	c.pending[taskID] = struct{}{}
	return &pendingDrop{taskID: taskID, column: target, position: position, snap: snap}, t, nil
}

func (c *Controller) commitDrop(ctx context.Context, drop pendingDrop) (domain.Task, error) {
	patch := domain.TaskPatch{Column: &drop.column, Position: &drop.position}
	updated, storeFailure := c.store.Update(ctx, c.ownerID, drop.taskID, patch)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, drop.taskID)

	if storeFailure != nil {
		if cur, ok := c.tasks[drop.taskID]; ok {
			cur.Column = drop.snap.fromColumn
			cur.Position = drop.snap.fromPosition
			c.tasks[drop.taskID] = cur
		}
		c.logger.WithFields(log.Fields{
			"owner":  c.ownerID,
			"task":   drop.taskID,
			"column": drop.snap.fromColumn,
		}).Warn("move failed, rolled back")
		return domain.Task{}, storeErr("update", storeFailure)
	}
	// A deleted event may have removed the task while the write was in
	// flight; deletes win, so do not resurrect it.
	if _, ok := c.tasks[updated.ID]; ok {
		c.tasks[updated.ID] = updated
	}
	return updated, nil
}

// Move performs a full drag gesture in one call: begin, hover, drop. It is
// the entry point for callers that have no incremental pointer events.
func (c *Controller) Move(ctx context.Context, taskID string, over Target) (domain.Task, error) {
	c.mu.Lock()
	if err := c.beginDragLocked(taskID); err != nil {
		c.mu.Unlock()
		return domain.Task{}, err
	}
	if err := c.dragOverLocked(taskID, over); err != nil {
		c.mu.Unlock()
		return domain.Task{}, err
	}
	drop, t, err := c.prepareDropLocked(taskID, over)
	c.mu.Unlock()
	if err != nil || drop == nil {
		return t, err
	}
	return c.commitDrop(ctx, *drop)
}

// ApplyChange merges one change-feed event into local state. Updated events
// for tasks marked pending are discarded so a remote echo of this session's
// own write cannot clobber newer local intent; deletes always apply.
func (c *Controller) ApplyChange(ev domain.ChangeEvent) {
	if ev.OwnerID != "" && ev.OwnerID != c.ownerID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case domain.ChangeInserted:
		if ev.Task == nil {
			return
		}
		if _, ok := c.tasks[ev.Task.ID]; !ok {
			c.tasks[ev.Task.ID] = *ev.Task
		}
	case domain.ChangeUpdated:
		if ev.Task == nil {
			return
		}
		if _, pending := c.pending[ev.Task.ID]; pending {
			c.logger.WithFields(log.Fields{"owner": c.ownerID, "task": ev.Task.ID}).Debug("discarded update for pending task")
			return
		}
		if _, ok := c.tasks[ev.Task.ID]; ok {
			c.tasks[ev.Task.ID] = *ev.Task
		}
	case domain.ChangeDeleted:
		c.forgetLocked(ev.TaskID)
	}
}

// Snapshot returns a copy of all tasks, ordered by column display order and
// position within each column.
func (c *Controller) Snapshot() []domain.Task {
	c.mu.Lock()
	tasks := c.snapshotLocked()
	c.mu.Unlock()

	out := make([]domain.Task, 0, len(tasks))
	for _, col := range domain.Columns() {
		out = append(out, Partition(tasks, col)...)
	}
	return out
}

// ColumnTasks returns the ordered tasks of one column.
func (c *Controller) ColumnTasks(column domain.Column) []domain.Task {
	c.mu.Lock()
	tasks := c.snapshotLocked()
	c.mu.Unlock()
	return Partition(tasks, column)
}

// Task returns the current local copy of one task.
func (c *Controller) Task(taskID string) (domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	return t, ok
}

func (c *Controller) snapshotLocked() []domain.Task {
	out := make([]domain.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

func (c *Controller) forgetLocked(taskID string) {
	delete(c.tasks, taskID)
	delete(c.pending, taskID)
	if c.drag != nil && c.drag.taskID == taskID {
		c.drag = nil
	}
}

func (c *Controller) resolveTargetLocked(over Target) (domain.Column, bool) {
	if over.Column != "" {
		if !over.Column.Valid() {
			return "", false
		}
		return over.Column, true
	}
	if over.TaskID != "" {
		if t, ok := c.tasks[over.TaskID]; ok {
			return t.Column, true
		}
	}
	return "", false
}
