package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/clusterd/internal/api/models"
	"github.com/smazurov/clusterd/internal/events"
)

const sseBufferSize = 64

// registerSSERoutes registers the lifecycle event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time worker lifecycle and supervisor phase events. The first message is the current status",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"status":               models.StatusData{},
		"worker-state-changed": events.WorkerStateChangedEvent{},
		"worker-exited":        events.WorkerExitedEvent{},
		"worker-force-killed":  events.WorkerForceKilledEvent{},
		"worker-launch-failed": events.WorkerLaunchFailedEvent{},
		"phase-changed":        events.PhaseChangedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, sseBufferSize)
		unsubscribe := events.SubscribeAll(s.eventBus, eventCh)
		defer unsubscribe()

		if err := send.Data(toStatusData(s.controller.Status())); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
