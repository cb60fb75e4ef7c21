package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func (c *cli) logsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the JSON log file in a readable form",
		Long:  "Print the records of log.file, one line each. With --follow new records are printed as they are written.",
		Example: heredoc.Doc(`
			# Watch a long run from another terminal
			rlmchat logs --follow
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.Log.File
			if path == "" {
				return errors.New("no log file: set log.file or --log-file")
			}
			t, err := tail.TailFile(path, tail.Config{
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer t.Cleanup()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					_ = t.Stop()
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return t.Wait()
					}
					if line.Err != nil {
						return line.Err
					}
					writeLogLine(out, line.Text)
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing records as they are written")
	return cmd
}

// writeLogLine prints a JSON record as "time level msg key=value...".
// Lines that are not JSON objects are printed unchanged.
func writeLogLine(w io.Writer, text string) {
	if text == "" {
		return
	}
	record := gjson.Parse(text)
	if !gjson.Valid(text) || !record.IsObject() {
		fmt.Fprintln(w, text)
		return
	}
	parts := []string{
		record.Get("time").String(),
		record.Get("level").String(),
		record.Get("msg").String(),
	}
	record.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "time", "level", "msg":
		default:
			parts = append(parts, key.String()+"="+value.String())
		}
		return true
	})
	fmt.Fprintln(w, strings.Join(parts, " "))
}
