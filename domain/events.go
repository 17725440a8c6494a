package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// ChangeKind tags a change-feed event.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
)

// ChangeEvent is a single store change notification. Inserted and updated
// events carry the full record; deleted events carry only the identifier.
type ChangeEvent struct {
	Kind    ChangeKind `json:"kind"`
	OwnerID string     `json:"ownerId"`
	TaskID  string     `json:"taskId"`
	Task    *Task      `json:"task,omitempty"`
}

// NewInserted builds an inserted event for t.
func NewInserted(t Task) ChangeEvent {
	return ChangeEvent{Kind: ChangeInserted, OwnerID: t.OwnerID, TaskID: t.ID, Task: &t}
}

// NewUpdated builds an updated event for t.
func NewUpdated(t Task) ChangeEvent {
	return ChangeEvent{Kind: ChangeUpdated, OwnerID: t.OwnerID, TaskID: t.ID, Task: &t}
}

// NewDeleted builds a deleted event for the given task identifier.
func NewDeleted(ownerID, taskID string) ChangeEvent {
	return ChangeEvent{Kind: ChangeDeleted, OwnerID: ownerID, TaskID: taskID}
}

// Encode serializes the event for the change channel and outbox queue.
func (e ChangeEvent) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// DecodeChangeEvent parses a change-channel payload.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, err
	}
	switch ev.Kind {
	case ChangeInserted, ChangeUpdated:
		if ev.Task == nil {
			return ChangeEvent{}, fmt.Errorf("%s event missing task", ev.Kind)
		}
	case ChangeDeleted:
		if ev.TaskID == "" {
			return ChangeEvent{}, fmt.Errorf("deleted event missing task id")
		}
	default:
		return ChangeEvent{}, fmt.Errorf("unknown change kind %q", ev.Kind)
	}
	return ev, nil
}
