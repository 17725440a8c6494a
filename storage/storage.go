package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"opsboard/domain"
)

// Store persists tasks in an Azure table partitioned per owner and fans
// every accepted change out to the redis change channel and the change
// outbox queue. It performs no retries beyond the client retry policy and
// reports every failure to the caller; retry policy belongs upstream.
type Store struct {
	taskTable   *aztables.Client
	changeQueue *azqueue.QueueClient
	redis       *redis.Client
	logger      *log.Logger
}

// New creates a Store from the given connection string.
func New(connStr, tasksTable, changesQueue string, rc *redis.Client, logger *log.Logger) (*Store, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, changesQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{taskTable: svc.NewClient(tasksTable), changeQueue: cq, redis: rc, logger: logger}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	BoardColumn string `json:"BoardColumn"`
	Position    int    `json:"Position"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func encodeTask(t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		BoardColumn: string(t.Column),
		Position:    t.Position,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("parse CreatedAt: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("parse UpdatedAt: %w", err)
	}
	return domain.Task{
		ID:          ent.RowKey,
		OwnerID:     ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Column:      domain.Column(ent.BoardColumn),
		Position:    ent.Position,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

// FetchAll retrieves every task belonging to ownerID.
func (s *Store) FetchAll(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + ownerID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// Insert persists a new task, assigning its identifier and timestamps.
func (s *Store) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	now := time.Now().UTC()
	task := domain.Task{
		ID:          uuid.NewString(),
		OwnerID:     draft.OwnerID,
		Title:       draft.Title,
		Description: draft.Description,
		Column:      draft.Column,
		Position:    draft.Position,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(encodeTask(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, err
	}
	s.announce(ctx, domain.NewInserted(task))
	return task, nil
}

// Update applies a partial update to one task and returns the stored record.
func (s *Store) Update(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, ownerID, taskID, nil)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := decodeTask(ent.Value)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Column != nil {
		task.Column = *patch.Column
	}
	if patch.Position != nil {
		task.Position = *patch.Position
	}
	task.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(encodeTask(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.UpdateEntity(ctx, data, &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.Task{}, err
	}
	s.announce(ctx, domain.NewUpdated(task))
	return task, nil
}

// Remove deletes one task.
func (s *Store) Remove(ctx context.Context, ownerID, taskID string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, ownerID, taskID, nil); err != nil {
		return err
	}
	s.announce(ctx, domain.NewDeleted(ownerID, taskID))
	return nil
}

// announce fans the change out to the per-owner redis channel and the
// change outbox queue. The mutation itself already succeeded, so failures
// here are logged and swallowed; subscribers fall back to a full reload.
func (s *Store) announce(ctx context.Context, ev domain.ChangeEvent) {
	data, err := ev.Encode()
	if err != nil {
		s.logger.Errorf("encode change event: %v", err)
		return
	}
	if s.redis != nil {
		if err := s.redis.Publish(ctx, changeChannel(ev.OwnerID), data).Err(); err != nil {
			s.logger.Errorf("publish change: %v", err)
		}
	}
	if s.changeQueue != nil {
		if _, err := s.changeQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			s.logger.Errorf("enqueue change: %v", err)
		}
	}
}

func changeChannel(ownerID string) string {
	return "board-changes:" + ownerID
}
