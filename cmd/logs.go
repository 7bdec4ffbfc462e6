package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/clusterd/internal/api/models"
)

func printLogs(w io.Writer, entries []models.LogEntryData) {
	for _, e := range entries {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %-5s [%s] %s", e.Time.Local().Format(time.DateTime), strings.ToUpper(e.Level), e.Module, e.Message)

		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, e.Attributes[k])
		}
		fmt.Fprintln(w, sb.String())
	}
}

// CreateLogsCmd prints recent log records of a running supervisor.
func CreateLogsCmd() *cobra.Command {
	var (
		flags    clientFlags
		module   string
		level    string
		workerID int
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent supervisor and worker log records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			query.Set("limit", strconv.Itoa(limit))
			if module != "" {
				query.Set("module", module)
			}
			if level != "" {
				query.Set("level", level)
			}
			if workerID > 0 {
				query.Set("worker_id", strconv.Itoa(workerID))
			}

			var list models.LogListData
			if err := flags.do(cmd.Context(), http.MethodGet, "/api/logs?"+query.Encode(), &list); err != nil {
				return err
			}
			printLogs(cmd.OutOrStdout(), list.Entries)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&module, "module", "m", "", "Only records of this logging module")
	cmd.Flags().StringVarP(&level, "level", "l", "", "Minimum level (debug, info, warn, error)")
	cmd.Flags().IntVarP(&workerID, "worker", "w", 0, "Only records about this worker id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of records")
	return cmd
}
