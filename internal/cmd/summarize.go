package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

func (c *cli) summarizeCmd() *cobra.Command {
	var (
		file, doc string
		compress  bool
		chunkSize int
		groupSize int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize a document chunk by chunk",
		Long: heredoc.Doc(`
			Split a document into chunks, summarize each chunk with a recursive
			query and join the summaries in document order. With --compress the
			joined summaries are condensed by one more query. With --group-size
			the summaries are merged in groups, round by round, until one remains.
		`),
		Example: heredoc.Doc(`
			# Summarize a file
			rlmchat summarize --file design.md

			# Condense the chunk summaries into one overview
			cat transcript.txt | rlmchat summarize --compress --chunk-size 4000

			# Merge summaries three at a time
			rlmchat summarize --file book.txt --group-size 3
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("compress") {
				c.cfg.Summarizer.Compress = compress
			}
			if cmd.Flags().Changed("group-size") {
				c.cfg.Summarizer.GroupSize = groupSize
			}
			if cmd.Flags().Changed("chunk-size") {
				c.cfg.RLM.ChunkSize = chunkSize
			}

			a, err := c.newApp(nil)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			text, err := readInput(cmd, a, file, doc)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("nothing to summarize: provide --file, --doc or stdin")
			}

			summary, err := a.Summarizer.Summarize(cmd.Context(), text, a.RunConfig())
			if err != nil {
				return err
			}
			for _, call := range summary.Failed() {
				c.logger.Warn("chunk summary failed", "response", truncate(call.Response, 120))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			_, err = fmt.Fprintln(out, summary.Final)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "Read the document from a file")
	flags.StringVarP(&doc, "doc", "d", "", "Load the document by id from docs.root")
	flags.BoolVar(&compress, "compress", false, "Condense the joined summaries")
	flags.IntVar(&groupSize, "group-size", 0, "Merge summaries in groups of this size until one remains")
	flags.IntVar(&chunkSize, "chunk-size", 0, "Chunk size in characters (overrides rlm.chunk_size)")
	flags.BoolVarP(&asJSON, "json", "j", false, "Print chunks and summaries as JSON")
	cmd.MarkFlagsMutuallyExclusive("file", "doc")
	return cmd
}
