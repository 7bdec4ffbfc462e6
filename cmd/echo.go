package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/clusterd/internal/logging"
	"github.com/smazurov/clusterd/internal/worker"
)

// EchoWorkerCommand is the worker subcommand clusterd re-executes itself
// with when no --exec is configured.
const EchoWorkerCommand = "echo-worker"

// CreateEchoWorkerCmd runs a small HTTP worker that answers with its
// worker id and pid. It serves on the shared listener when there is one.
func CreateEchoWorkerCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:    EchoWorkerCommand,
		Short:  "Run a demo HTTP worker (started by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return worker.Run(cmd.Context(), func(ctx context.Context, w *worker.Worker) error {
				return serveEcho(ctx, w, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "Listen address when no shared listener is passed in")
	return cmd
}

// echoWorker is the part of *worker.Worker the echo payload needs.
type echoWorker interface {
	ID() int
	Listener() (net.Listener, error)
	Ready() error
}

func serveEcho(ctx context.Context, w echoWorker, addr string) error {
	logger := logging.GetLogger(logging.ModuleWorker).With("worker_id", w.ID())

	l, err := w.Listener()
	if errors.Is(err, worker.ErrNoListener) {
		var lc net.ListenConfig
		l, err = lc.Listen(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	pid := os.Getpid()
	srv := &http.Server{
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(rw, "worker %d pid %d\n", w.ID(), pid)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	if err := w.Ready(); err != nil {
		return err
	}
	logger.Info("Echo worker serving", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Echo worker stopped")
	return nil
}
