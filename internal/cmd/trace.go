package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/MakeNowJust/heredoc"
	"github.com/rand/rlmchat/internal/rlm/tracestore"
	"github.com/spf13/cobra"
)

func (c *cli) traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded sessions",
		Long:  "Commands for reading the session traces recorded in trace.path",
	}
	cmd.AddCommand(c.traceListCmd(), c.traceShowCmd())
	return cmd
}

func (c *cli) traceListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent top-level sessions",
		Example: heredoc.Doc(`
			# Show the ten most recent sessions
			rlmchat trace list -n 10
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openTraces()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions recorded.")
				return nil
			}

			lipgloss.Fprintln(out, titleStyle.Render(fmt.Sprintf("%-36s  %-19s  %-22s  %5s  %s", "ID", "STARTED", "REASON", "ITERS", "QUERY")))
			for _, s := range sessions {
				reason := string(s.Reason)
				if reason == "" {
					reason = "RUNNING"
				}
				fmt.Fprintf(out, "%-36s  %-19s  %-22s  %5d  %s\n",
					s.ID,
					s.StartedAt.Local().Format(time.DateTime),
					reason,
					s.Iterations,
					truncate(s.Query, 60))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func (c *cli) traceShowCmd() *cobra.Command {
	var (
		children bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the steps of a session",
		Long:  "Show the steps of a session. A unique prefix of the id is enough.",
		Example: heredoc.Doc(`
			# Show one session by id prefix
			rlmchat trace show 3f6c1e2a

			# Include every nested sub-query session
			rlmchat trace show --children 3f6c1e2a-...
		`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openTraces()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var node *tracestore.TreeNode
			if children {
				node, err = store.Tree(cmd.Context(), id)
			} else {
				var rec *tracestore.SessionRecord
				rec, err = store.GetSession(cmd.Context(), id)
				node = &tracestore.TreeNode{Session: rec}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(node)
			}
			renderTree(out, node)
			return nil
		},
	}
	cmd.Flags().BoolVar(&children, "children", false, "Include nested sessions")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func (c *cli) openTraces() (*tracestore.Store, error) {
	if c.cfg.Trace.Path == "" {
		return nil, errors.New("trace store disabled: set trace.path")
	}
	return tracestore.Open(tracestore.Options{Path: c.cfg.Trace.Path, Logger: c.logger})
}
