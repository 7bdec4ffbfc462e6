package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/clusterd/internal/api/models"
	"github.com/smazurov/clusterd/internal/version"
)

// DefaultServer is the API address the client commands talk to.
const DefaultServer = "127.0.0.1:9180"

const requestTimeout = 10 * time.Second

// clientFlags are shared by the commands talking to a running supervisor.
type clientFlags struct {
	server   string
	username string
	password string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	server := os.Getenv("CLUSTERD_SERVER_ADDR")
	if server == "" {
		server = DefaultServer
	}
	cmd.Flags().StringVarP(&f.server, "server", "s", server, "Address of the supervisor API")
	cmd.Flags().StringVar(&f.username, "username", os.Getenv("CLUSTERD_AUTH_USERNAME"), "Basic auth username")
	cmd.Flags().StringVar(&f.password, "password", os.Getenv("CLUSTERD_AUTH_PASSWORD"), "Basic auth password")
}

func (f *clientFlags) url(path string) string {
	base := f.server
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimSuffix(base, "/") + path
}

// do sends a request and decodes a JSON body into out.
func (f *clientFlags) do(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, f.url(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var problem struct {
			Detail string `json:"detail"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, problem.Detail, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printStatus(w io.Writer, st models.StatusData) {
	fmt.Fprintf(w, "phase:      %s\n", st.Phase)
	if st.OperationID != "" {
		fmt.Fprintf(w, "operation:  %s\n", st.OperationID)
	}
	fmt.Fprintf(w, "generation: %d\n", st.Generation)
	fmt.Fprintf(w, "workers:    %d/%d online (%d registered)\n", st.Online, st.PoolSize, st.Workers)
}

func printWorkers(w io.Writer, workers []models.WorkerData) {
	if len(workers) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%-6s %-8s %-18s %-5s %s\n", "ID", "PID", "STATE", "GEN", "UPTIME")
	for _, wk := range workers {
		fmt.Fprintf(w, "%-6d %-8d %-18s %-5d %s\n", wk.ID, wk.PID, wk.State, wk.Generation, wk.Uptime)
	}
}

// CreateStatusCmd shows the pool of a running supervisor.
func CreateStatusCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker pool of a running supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st models.StatusData
			if err := flags.do(cmd.Context(), http.MethodGet, "/api/status", &st); err != nil {
				return err
			}
			var list models.WorkerListData
			if err := flags.do(cmd.Context(), http.MethodGet, "/api/workers", &list); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			printWorkers(cmd.OutOrStdout(), list.Workers)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// CreateRestartCmd asks a running supervisor for a rolling restart.
func CreateRestartCmd() *cobra.Command {
	return createActionCmd("restart", "Start a rolling restart of every worker", "/api/restart")
}

// CreateShutdownCmd asks a running supervisor to stop its workers.
func CreateShutdownCmd() *cobra.Command {
	return createActionCmd("shutdown", "Stop every worker; a second request force-kills", "/api/shutdown")
}

func createActionCmd(use, short, path string) *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var action models.ActionData
			if err := flags.do(cmd.Context(), http.MethodPost, path, &action); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s accepted\n", action.Action)
			printStatus(cmd.OutOrStdout(), action.Status)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
