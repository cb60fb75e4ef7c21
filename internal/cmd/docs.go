package cmd

import (
	"fmt"

	"github.com/MakeNowJust/heredoc"
	"github.com/rand/rlmchat/internal/docs"
	"github.com/spf13/cobra"
)

func (c *cli) docsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Browse the documents under docs.root",
	}
	cmd.AddCommand(c.docsListCmd())
	return cmd
}

func (c *cli) docsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [pattern]",
		Short: "List document ids, optionally filtered by a glob",
		Example: heredoc.Doc(`
			# Every document
			rlmchat docs list

			# Markdown files at any depth
			rlmchat docs list '**/*.md'

			# Ask about every matching document at once
			rlmchat ask --doc 'handbook/*.md' "Who approves access requests?"
		`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := docs.NewDir(c.cfg.Docs.Root)
			var (
				ids []string
				err error
			)
			if len(args) == 1 {
				ids, err = dir.Glob(cmd.Context(), args[0])
			} else {
				ids, err = dir.List(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintf(out, "No documents under %s.\n", dir.Root())
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}
