package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/clusterd/internal/api/models"
	"github.com/smazurov/clusterd/internal/logging"
)

// LogsInput filters the log history.
type LogsInput struct {
	Module   string `query:"module" example:"worker" doc:"Only records of this logging module"`
	Level    string `query:"level" enum:"debug,info,warn,error" doc:"Minimum record level"`
	WorkerID int    `query:"worker_id" minimum:"0" doc:"Only records about this worker"`
	Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum number of records"`
}

var minLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func (in *LogsInput) matcher() func(logging.Entry) bool {
	minLevel, filterLevel := minLevels[in.Level]
	workerID := strconv.Itoa(in.WorkerID)

	return func(e logging.Entry) bool {
		if in.Module != "" && e.Module != in.Module {
			return false
		}
		if filterLevel && e.Level < minLevel {
			return false
		}
		if in.WorkerID > 0 {
			v, ok := e.Attributes["worker_id"]
			if !ok || fmt.Sprint(v) != workerID {
				return false
			}
		}
		return true
	}
}

// registerLogRoutes exposes the in-memory log history, worker output included.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "List the most recent log records of the supervisor and its workers",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401, 422},
	}, func(_ context.Context, input *LogsInput) (*models.LogListResponse, error) {
		entries := s.history.Recent(input.Limit, input.matcher())

		data := make([]models.LogEntryData, 0, len(entries))
		for _, e := range entries {
			data = append(data, models.LogEntryData{
				Time:       e.Time,
				Level:      levelName(e.Level),
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attributes,
			})
		}
		return &models.LogListResponse{
			Body: models.LogListData{Entries: data, Count: len(data)},
		}, nil
	})
}
