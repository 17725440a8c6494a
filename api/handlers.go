package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"opsboard/board"
	"opsboard/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions *Sessions, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/board", getBoard(sessions, auth, logger))
	e.POST("/api/tasks", createTask(sessions, auth, deduper))
	e.PATCH("/api/tasks/:id", editTask(sessions, auth, deduper))
	e.POST("/api/tasks/:id/move", moveTask(sessions, auth, deduper))
	e.DELETE("/api/tasks/:id", deleteTask(sessions, auth, deduper))
	e.GET("/api/stream", streamBoard(sessions, auth))
	e.GET("/healthz", healthz())
}

type taskRequest struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Column      domain.Column `json:"column"`
}

type moveRequest struct {
	Column     domain.Column `json:"column"`
	OverTaskID string        `json:"overTaskId"`
}

type boardColumn struct {
	ID    domain.Column `json:"id"`
	Title string        `json:"title"`
	Tasks []domain.Task `json:"tasks"`
}

type boardResponse struct {
	Columns []boardColumn `json:"columns"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func buildBoardResponse(ctrl *board.Controller) (boardResponse, int) {
	resp := boardResponse{Columns: make([]boardColumn, 0, len(domain.Columns()))}
	total := 0
	for _, col := range domain.Columns() {
		tasks := ctrl.ColumnTasks(col)
		total += len(tasks)
		resp.Columns = append(resp.Columns, boardColumn{ID: col, Title: col.Title(), Tasks: tasks})
	}
	return resp, total
}

func getBoard(sessions *Sessions, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		ownerID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		loadStart := time.Now()
		sess, loadErr := sessions.Get(ctx, ownerID)
		metrics.ObserveLoad(time.Since(loadStart))
		if loadErr != nil {
			metrics.SetErrorStage("load")
			err = mutationError(c, loadErr)
			return err
		}

		resp, total := buildBoardResponse(sess.Controller())
		metrics.SetTasksReturned(total)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTask(sessions *Sessions, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		release, conflict, err := claimIdempotencyKey(c, deduper, ownerID)
		if err != nil {
			return err
		}
		if conflict {
			return c.String(http.StatusConflict, "duplicate request")
		}

		sess, err := sessions.Get(ctx, ownerID)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		created, err := sess.Controller().Create(ctx, req.Title, req.Column, req.Description)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		sess.Notify()
		return c.JSON(http.StatusCreated, created)
	}
}

func editTask(sessions *Sessions, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		release, conflict, err := claimIdempotencyKey(c, deduper, ownerID)
		if err != nil {
			return err
		}
		if conflict {
			return c.String(http.StatusConflict, "duplicate request")
		}

		sess, err := sessions.Get(ctx, ownerID)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		updated, err := sess.Controller().Edit(ctx, c.Param("id"), req.Title, req.Description, req.Column)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		sess.Notify()
		return c.JSON(http.StatusOK, updated)
	}
}

func moveTask(sessions *Sessions, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		target := board.Target{Column: req.Column, TaskID: req.OverTaskID}
		if target.IsZero() {
			return c.String(http.StatusBadRequest, "missing move target")
		}

		release, conflict, err := claimIdempotencyKey(c, deduper, ownerID)
		if err != nil {
			return err
		}
		if conflict {
			return c.String(http.StatusConflict, "duplicate request")
		}

		sess, err := sessions.Get(ctx, ownerID)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		moved, err := sess.Controller().Move(ctx, c.Param("id"), target)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		sess.Notify()
		return c.JSON(http.StatusOK, moved)
	}
}

func deleteTask(sessions *Sessions, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ownerID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		release, conflict, err := claimIdempotencyKey(c, deduper, ownerID)
		if err != nil {
			return err
		}
		if conflict {
			return c.String(http.StatusConflict, "duplicate request")
		}

		sess, err := sessions.Get(ctx, ownerID)
		if err != nil {
			release()
			return mutationError(c, err)
		}
		if err := sess.Controller().Delete(ctx, c.Param("id")); err != nil {
			release()
			return mutationError(c, err)
		}
		sess.Notify()
		return c.NoContent(http.StatusNoContent)
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// claimIdempotencyKey records the request's Idempotency-Key, if any. The
// returned release func frees the key again when the mutation fails so the
// client may retry; conflict reports a replayed key. Deduper outages are
// logged and treated as a fresh request: availability wins over dedupe.
func claimIdempotencyKey(c echo.Context, deduper Deduper, ownerID string) (release func(), conflict bool, err error) {
	release = func() {}
	if deduper == nil {
		return release, false, nil
	}
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" {
		return release, false, nil
	}

	added, addErr := deduper.Add(c.Request().Context(), ownerID, key)
	if addErr != nil {
		c.Logger().Errorf("idempotency add failed: %v", addErr)
		return release, false, nil
	}
	if !added {
		return release, true, nil
	}
	return func() {
		// The request context may already be canceled when the mutation
		// fails (client gone mid-write); release on a detached context so
		// the key is still freed for the retry.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := deduper.Remove(ctx, ownerID, key); rerr != nil {
			c.Logger().Errorf("idempotency release failed: %v", rerr)
		}
	}, false, nil
}

func mutationError(c echo.Context, err error) error {
	var ve *board.ValidationError
	if errors.As(err, &ve) {
		return c.String(http.StatusBadRequest, ve.Error())
	}
	if errors.Is(err, board.ErrTaskNotFound) {
		return c.String(http.StatusNotFound, "task not found")
	}
	var se *board.StoreError
	if errors.As(err, &se) {
		c.Logger().Error(err)
		return c.String(http.StatusBadGateway, "store unavailable")
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}
