package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rand/rlmchat/internal/rlm"
	"github.com/spf13/cobra"
)

func (c *cli) askCmd() *cobra.Command {
	var (
		file, doc    string
		showTrace    bool
		asJSON       bool
		quiet        bool
		showMetrics  bool
		render       bool
		maxIter      int
		maxDepth     int
		noRecursion  bool
		historyTurns int
	)

	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Answer a question about a document",
		Long: heredoc.Doc(`
			Answer a question about a document with a recursive language model.

			The document comes from --file, --doc (an id under docs.root) or stdin.
			Progress is printed to stderr as the model works.
		`),
		Example: heredoc.Doc(`
			# Ask about a file
			rlmchat ask --file report.txt "What were the Q3 revenue figures?"

			# Pipe a document in
			cat server.log | rlmchat ask "Which request failed first?"

			# Use a document from the docs root and show the trace
			rlmchat ask --doc handbook/security.html --trace "Who approves access requests?"

			# Render a markdown answer
			rlmchat ask --render -f notes.md "List the open questions as bullets"

			# Machine readable result
			rlmchat ask --json -f notes.md "Summarize the action items"
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("no question provided")
			}

			flags := cmd.Flags()
			if flags.Changed("max-iterations") {
				c.cfg.RLM.MaxIterations = maxIter
			}
			if flags.Changed("max-depth") {
				c.cfg.RLM.MaxDepth = maxDepth
			}
			if flags.Changed("no-recursion") {
				c.cfg.RLM.NoRecursion = noRecursion
			}
			if flags.Changed("history") {
				c.cfg.RLM.HistoryWindow = historyTurns
			}

			var progress io.Writer
			if !quiet && !asJSON {
				progress = cmd.ErrOrStderr()
			}
			a, err := c.newApp(progress)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			contextText, err := readInput(cmd, a, file, doc)
			if err != nil {
				return err
			}

			result, runErr := a.Engine.Run(cmd.Context(), question, contextText, a.RunConfig())

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else if result.HasAnswer() {
				answer := result.FinalAnswer
				if render {
					rendered, err := renderMarkdown(out, answer)
					if err != nil {
						c.logger.Warn("markdown rendering failed", "error", err)
					} else {
						answer = strings.TrimRight(rendered, "\n")
					}
				}
				fmt.Fprintln(out, answer)
			}

			if showTrace {
				renderResult(cmd.ErrOrStderr(), result)
			}
			if showMetrics {
				if err := dumpMetrics(cmd.ErrOrStderr(), a.Metrics.Registry()); err != nil {
					return err
				}
			}

			if runErr != nil {
				return runErr
			}
			if result.Reason == rlm.ReasonBackendError {
				return fmt.Errorf("session failed: %s", result.Error)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "Read the document from a file")
	flags.StringVarP(&doc, "doc", "d", "", "Load the document by id from docs.root")
	flags.BoolVarP(&showTrace, "trace", "t", false, "Print the step trace to stderr")
	flags.BoolVarP(&asJSON, "json", "j", false, "Print the result as JSON")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	flags.BoolVarP(&render, "render", "r", false, "Render the answer as markdown")
	flags.BoolVar(&showMetrics, "metrics", false, "Print Prometheus metrics to stderr after the run")
	flags.IntVar(&maxIter, "max-iterations", 0, "Turns per session (overrides rlm.max_iterations)")
	flags.IntVar(&maxDepth, "max-depth", 0, "Recursion limit (overrides rlm.max_depth)")
	flags.BoolVar(&noRecursion, "no-recursion", false, "Reject every llm_query call")
	flags.IntVar(&historyTurns, "history", 0, "Turns of history kept in the prompt (0 = all)")
	cmd.MarkFlagsMutuallyExclusive("file", "doc")
	return cmd
}

// dumpMetrics writes every gathered family in the Prometheus text format.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
