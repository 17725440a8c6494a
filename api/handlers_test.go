package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"opsboard/domain"
)

type mockStore struct {
	tasks map[string]domain.Task
	seq   int

	fetchErr  error
	insertErr error
	updateErr error
	removeErr error

	onInsert func()
}

func newMockStore(seed ...domain.Task) *mockStore {
	s := &mockStore{tasks: make(map[string]domain.Task)}
	for _, t := range seed {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *mockStore) FetchAll(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *mockStore) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	if s.onInsert != nil {
		s.onInsert()
	}
	if s.insertErr != nil {
		return domain.Task{}, s.insertErr
	}
	s.seq++
	now := time.Now().UTC()
	t := domain.Task{
		ID:          fmt.Sprintf("task-%d", s.seq),
		OwnerID:     draft.OwnerID,
		Title:       draft.Title,
		Description: draft.Description,
		Column:      draft.Column,
		Position:    draft.Position,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *mockStore) Update(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if s.updateErr != nil {
		return domain.Task{}, s.updateErr
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, errors.New("no such task")
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Column != nil {
		t.Column = *patch.Column
	}
	if patch.Position != nil {
		t.Position = *patch.Position
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = t
	return t, nil
}

func (s *mockStore) Remove(ctx context.Context, ownerID, taskID string) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	delete(s.tasks, taskID)
	return nil
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type failAuth struct{}

func (failAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errors.New("token expired")
}

func ownedTask(id string, col domain.Column, pos int) domain.Task {
	return domain.Task{ID: id, OwnerID: "user", Title: "t-" + id, Column: col, Position: pos}
}

func newTestServer(t *testing.T, store *mockStore, auth Authenticator, deduper Deduper) (*echo.Echo, *Sessions) {
	t.Helper()
	e := echo.New()
	sessions := NewSessions(store, nil, nil)
	Register(e, sessions, auth, deduper, nil)
	return e, sessions
}

func doJSON(e *echo.Echo, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetBoardGroupsTasksByColumn(t *testing.T) {
	store := newMockStore(
		ownedTask("a", domain.ColumnTopPriorities, 1),
		ownedTask("b", domain.ColumnTopPriorities, 0),
		ownedTask("c", domain.ColumnDone, 0),
	)
	e, _ := newTestServer(t, store, mockAuth{}, nil)

	rec := doJSON(e, http.MethodGet, "/api/board", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Columns) != len(domain.Columns()) {
		t.Fatalf("expected %d columns, got %d", len(domain.Columns()), len(resp.Columns))
	}
	top := resp.Columns[0]
	if top.ID != domain.ColumnTopPriorities || top.Title != "Top Priorities" {
		t.Fatalf("unexpected first column: %#v", top)
	}
	if len(top.Tasks) != 2 || top.Tasks[0].ID != "b" || top.Tasks[1].ID != "a" {
		t.Fatalf("expected position order b,a, got %#v", top.Tasks)
	}
}

func TestGetBoardUnauthorized(t *testing.T) {
	e, _ := newTestServer(t, newMockStore(), failAuth{}, nil)
	rec := doJSON(e, http.MethodGet, "/api/board", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetBoardStoreDown(t *testing.T) {
	store := newMockStore()
	store.fetchErr = errors.New("table offline")
	e, _ := newTestServer(t, store, mockAuth{}, nil)

	rec := doJSON(e, http.MethodGet, "/api/board", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestCreateTask(t *testing.T) {
	store := newMockStore(ownedTask("a", domain.ColumnDone, 0))
	e, _ := newTestServer(t, store, mockAuth{}, nil)

	rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"Ship report","column":"done"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Position != 1 || created.Column != domain.ColumnDone {
		t.Fatalf("unexpected task: %#v", created)
	}
}

func TestCreateTaskBlankTitle(t *testing.T) {
	e, _ := newTestServer(t, newMockStore(), mockAuth{}, nil)
	rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"  ","column":"done"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateTaskRejectsUnknownFields(t *testing.T) {
	e, _ := newTestServer(t, newMockStore(), mockAuth{}, nil)
	rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done","position":99}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEditTaskNotFound(t *testing.T) {
	e, _ := newTestServer(t, newMockStore(), mockAuth{}, nil)
	rec := doJSON(e, http.MethodPatch, "/api/tasks/ghost", `{"title":"x","column":"done"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMoveTask(t *testing.T) {
	store := newMockStore(
		ownedTask("a", domain.ColumnTopPriorities, 0),
		ownedTask("b", domain.ColumnDone, 0),
	)
	e, _ := newTestServer(t, store, mockAuth{}, nil)

	rec := doJSON(e, http.MethodPost, "/api/tasks/a/move", `{"column":"done"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var moved domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &moved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if moved.Column != domain.ColumnDone || moved.Position != 1 {
		t.Fatalf("expected done/1, got %s/%d", moved.Column, moved.Position)
	}
}

func TestMoveTaskMissingTarget(t *testing.T) {
	e, _ := newTestServer(t, newMockStore(ownedTask("a", domain.ColumnDone, 0)), mockAuth{}, nil)
	rec := doJSON(e, http.MethodPost, "/api/tasks/a/move", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMoveTaskStoreFailureRollsBack(t *testing.T) {
	store := newMockStore(ownedTask("a", domain.ColumnTopPriorities, 2))
	e, sessions := newTestServer(t, store, mockAuth{}, nil)

	// Establish the session, then break the store's update path.
	if rec := doJSON(e, http.MethodGet, "/api/board", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("prime session: %d", rec.Code)
	}
	store.updateErr = errors.New("network down")

	rec := doJSON(e, http.MethodPost, "/api/tasks/a/move", `{"column":"done"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}

	sess, err := sessions.Get(context.Background(), "user")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	got, ok := sess.Controller().Task("a")
	if !ok {
		t.Fatal("task vanished")
	}
	if got.Column != domain.ColumnTopPriorities || got.Position != 2 {
		t.Fatalf("expected rollback to top_priorities/2, got %s/%d", got.Column, got.Position)
	}
}

func TestDeleteTask(t *testing.T) {
	store := newMockStore(ownedTask("a", domain.ColumnDone, 0))
	e, _ := newTestServer(t, store, mockAuth{}, nil)

	rec := doJSON(e, http.MethodDelete, "/api/tasks/a", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := store.tasks["a"]; ok {
		t.Fatal("expected store delete")
	}
}

type stubDeduper struct {
	seen    map[string]bool
	removed []string
	err     error
}

func (d *stubDeduper) Add(ctx context.Context, ownerID, key string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *stubDeduper) Remove(ctx context.Context, ownerID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.removed = append(d.removed, key)
	delete(d.seen, key)
	return nil
}

func TestIdempotentReplayConflicts(t *testing.T) {
	store := newMockStore()
	deduper := &stubDeduper{}
	e, _ := newTestServer(t, store, mockAuth{}, deduper)

	hdr := map[string]string{"Idempotency-Key": "k1"}
	if rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done"}`, hdr); rec.Code != http.StatusCreated {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done"}`, hdr); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", rec.Code)
	}
}

func TestIdempotencyKeyReleasedOnStoreFailure(t *testing.T) {
	store := newMockStore()
	store.insertErr = errors.New("down")
	deduper := &stubDeduper{}
	e, _ := newTestServer(t, store, mockAuth{}, deduper)

	hdr := map[string]string{"Idempotency-Key": "k1"}
	if rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done"}`, hdr); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "k1" {
		t.Fatalf("expected key release, got %#v", deduper.removed)
	}

	store.insertErr = nil
	if rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done"}`, hdr); rec.Code != http.StatusCreated {
		t.Fatalf("retry after release: %d", rec.Code)
	}
}

func TestIdempotencyKeyReleasedAfterClientDisconnect(t *testing.T) {
	store := newMockStore()
	deduper := &stubDeduper{}
	e, _ := newTestServer(t, store, mockAuth{}, deduper)

	// The client vanishes while the store write is in flight: the request
	// context is canceled and the write fails with it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.insertErr = context.Canceled
	store.onInsert = func() { cancel() }

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"title":"x","column":"done"}`))
	req = req.WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set("Idempotency-Key", "k1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if len(deduper.removed) != 1 || deduper.removed[0] != "k1" {
		t.Fatalf("expected key release despite canceled request context, got %#v", deduper.removed)
	}

	store.insertErr = nil
	store.onInsert = nil
	hdr := map[string]string{"Idempotency-Key": "k1"}
	if rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done"}`, hdr); rec.Code != http.StatusCreated {
		t.Fatalf("retry after disconnect: %d", rec.Code)
	}
}

func TestDeduperOutageDoesNotBlockMutations(t *testing.T) {
	store := newMockStore()
	deduper := &stubDeduper{err: errors.New("redis down")}
	e, _ := newTestServer(t, store, mockAuth{}, deduper)

	hdr := map[string]string{"Idempotency-Key": "k1"}
	if rec := doJSON(e, http.MethodPost, "/api/tasks", `{"title":"x","column":"done"}`, hdr); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 despite deduper outage, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	e, _ := newTestServer(t, newMockStore(), mockAuth{}, nil)
	rec := doJSON(e, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
