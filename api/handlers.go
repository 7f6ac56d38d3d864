package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskist-core/domain"
	"taskist-core/replication"
	"taskist-core/subscription"
)

const requestBodyMaxSize = 1 << 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, tasks Tasks, settings SettingsGateway, sync SyncController, changes *subscription.Broker, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(tasks, logger))
	e.POST("/api/tasks", postTask(tasks))
	e.PUT("/api/tasks/:id", putTask(tasks))
	e.DELETE("/api/tasks/:id", deleteTask(tasks))
	e.POST("/api/tasks/:id/toggle", toggleTask(tasks))
	e.POST("/api/tasks/:id/reorder", reorderTask(tasks))
	e.POST("/api/tasks/:id/move", moveTask(tasks))
	e.GET("/api/stream", streamTasks(tasks, changes))

	e.GET("/api/sync/settings", getSyncSettings(settings))
	e.PUT("/api/sync/settings", putSyncSettings(settings, sync))
	e.DELETE("/api/sync/settings", deleteSyncSettings(settings, sync))
	e.GET("/api/sync/state", getSyncState(sync))
	e.POST("/api/sync/start", startSync(settings, sync))
	e.POST("/api/sync/stop", stopSync(sync))
	e.POST("/api/sync/restart", restartSync(settings, sync))
	e.GET("/api/sync/stream", streamSyncState(sync))

	e.GET("/healthz", healthz(tasks))
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type validationResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

// httpError maps domain errors onto response codes. Validation failures carry
// the offending field names so the frontend can highlight them.
func httpError(c echo.Context, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, validationResponse{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, domain.ErrNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return c.String(http.StatusConflict, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func healthz(_ Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(tasks Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := newTaskRequestMetrics(logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		list, ferr := tasks.GetAll(c.Request().Context())
		if ferr != nil {
			metrics.SetErrorStage("storage")
			err = httpError(c, ferr)
			return err
		}
		metrics.SetTasksReturned(len(list))
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: list})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
}

func postTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		t, err := tasks.Add(c.Request().Context(), req.Title, domain.AddOptions{
			Description: req.Description,
			DueDate:     req.DueDate,
		})
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

func putTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var t domain.Task
		if err := decodeBody(c, &t); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		t.ID = c.Param("id")
		stored, err := tasks.Update(c.Request().Context(), t)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, stored)
	}
}

func deleteTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := tasks.Delete(c.Request().Context(), c.Param("id")); err != nil {
			return httpError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func toggleTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tasks.ToggleCompletion(c.Request().Context(), c.Param("id"))
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

type reorderRequest struct {
	Direction string `json:"direction"`
}

func reorderTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req reorderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := tasks.Reorder(c.Request().Context(), c.Param("id"), domain.Direction(req.Direction)); err != nil {
			return httpError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type moveRequest struct {
	TargetID string `json:"targetId"`
}

func moveTask(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := tasks.MoveToPosition(c.Request().Context(), c.Param("id"), req.TargetID); err != nil {
			return httpError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// streamTasks pushes the full task list over SSE whenever the store changes.
// The client gets one snapshot immediately on connect.
func streamTasks(tasks Tasks, changes *subscription.Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ctx := c.Request().Context()
		ch := changes.Subscribe()
		defer changes.Unsubscribe(ch)
		for {
			list, err := tasks.GetAll(ctx)
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if err := writeEvent(c, flusher, list); err != nil {
				c.Logger().Error(err)
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
				continue
			}
		}
	}
}

func getSyncSettings(settings SettingsGateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := settings.Get()
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, s)
	}
}

// putSyncSettings validates and persists new settings, then restarts the
// engine so they take effect immediately. Invalid settings leave both the
// stored settings and the running session untouched.
func putSyncSettings(settings SettingsGateway, sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		var s domain.SyncSettings
		if err := decodeBody(c, &s); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := settings.Save(s); err != nil {
			return httpError(c, err)
		}
		if err := sync.Restart(s); err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, s)
	}
}

func deleteSyncSettings(settings SettingsGateway, sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := settings.Clear(); err != nil {
			return httpError(c, err)
		}
		if err := sync.Restart(domain.DefaultSettings()); err != nil {
			return httpError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getSyncState(sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, sync.GetState())
	}
}

func startSync(settings SettingsGateway, sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := settings.Get()
		if err != nil {
			return httpError(c, err)
		}
		if err := sync.Start(s); err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusAccepted, sync.GetState())
	}
}

func stopSync(sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		sync.Stop()
		return c.JSON(http.StatusOK, sync.GetState())
	}
}

func restartSync(settings SettingsGateway, sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := settings.Get()
		if err != nil {
			return httpError(c, err)
		}
		if err := sync.Restart(s); err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusAccepted, sync.GetState())
	}
}

// streamSyncState pushes engine state transitions over SSE, starting with the
// current state on connect.
func streamSyncState(sync SyncController) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ctx := c.Request().Context()
		states := make(chan replication.State, 8)
		unsubscribe := sync.OnStateChanged(func(st replication.State) {
			select {
			case states <- st:
			default:
			}
		})
		defer unsubscribe()

		if err := writeEvent(c, flusher, sync.GetState()); err != nil {
			c.Logger().Error(err)
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case st := <-states:
				if err := writeEvent(c, flusher, st); err != nil {
					c.Logger().Error(err)
					return err
				}
			}
		}
	}
}

func writeEvent(c echo.Context, flusher http.Flusher, v any) error {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
