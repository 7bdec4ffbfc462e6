package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/clusterd/internal/api/models"
	"github.com/smazurov/clusterd/internal/supervisor"
)

func (s *Server) registerPoolRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Pool Status",
		Description: "Get the supervisor phase and worker counts",
		Tags:        []string{"pool"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.StatusResponse, error) {
		return &models.StatusResponse{Body: toStatusData(s.controller.Status())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/api/workers",
		Summary:     "List Workers",
		Description: "List every registered worker ordered by id",
		Tags:        []string{"pool"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.WorkerListResponse, error) {
		now := time.Now()
		workers := s.controller.Workers()
		data := make([]models.WorkerData, 0, len(workers))
		for _, w := range workers {
			data = append(data, models.WorkerData{
				ID:         w.ID,
				PID:        w.PID,
				State:      string(w.State),
				StartedAt:  w.StartedAt,
				Uptime:     now.Sub(w.StartedAt).Truncate(time.Second).String(),
				Generation: w.Generation,
			})
		}
		return &models.WorkerListResponse{
			Body: models.WorkerListData{Workers: data, Count: len(data)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "restart-pool",
		Method:        http.MethodPost,
		Path:          "/api/restart",
		Summary:       "Rolling Restart",
		Description:   "Replace every current worker one at a time",
		Tags:          []string{"pool"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 409, 503},
	}, func(_ context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.controller.Restart(); err != nil {
			return nil, controlError("restart", err)
		}
		s.logger.Info("Rolling restart requested over HTTP")
		return s.actionResponse("restart"), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "shutdown-pool",
		Method:        http.MethodPost,
		Path:          "/api/shutdown",
		Summary:       "Shutdown",
		Description:   "Stop every worker without replacement. A second request force-kills the remainder",
		Tags:          []string{"pool"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.ActionResponse, error) {
		if err := s.controller.Shutdown(); err != nil {
			return nil, controlError("shutdown", err)
		}
		s.logger.Info("Shutdown requested over HTTP")
		return s.actionResponse("shutdown"), nil
	})
}

func (s *Server) actionResponse(action string) *models.ActionResponse {
	return &models.ActionResponse{
		Body: models.ActionData{
			Action: action,
			Status: toStatusData(s.controller.Status()),
		},
	}
}

// controlError maps supervisor errors to HTTP errors.
func controlError(action string, err error) error {
	switch {
	case errors.Is(err, supervisor.ErrShuttingDown):
		return huma.Error409Conflict("Cannot "+action+" while shutting down", err)
	case errors.Is(err, supervisor.ErrNotRunning):
		return huma.Error503ServiceUnavailable("Supervisor is not running", err)
	default:
		return huma.Error500InternalServerError("Failed to "+action, err)
	}
}

func toStatusData(st supervisor.Status) models.StatusData {
	return models.StatusData{
		Phase:       string(st.Phase),
		OperationID: st.OperationID,
		Generation:  st.Generation,
		PoolSize:    st.PoolSize,
		Workers:     st.Workers,
		Online:      st.Online,
	}
}
