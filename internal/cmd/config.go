package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/aymanbagabas/go-udiff"
	"github.com/invopop/jsonschema"
	"github.com/rand/rlmchat/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "Commands for inspecting the rlmchat configuration",
	}
	cmd.AddCommand(
		c.configShowCmd(),
		c.configPathCmd(),
		c.configValidateCmd(),
		c.configDiffCmd(),
		c.configSchemaCmd(),
	)
	return cmd
}

func (c *cli) configShowCmd() *cobra.Command {
	var asJSON, asYAML bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  "Display the configuration after merging defaults, the config file and the environment",
		Example: heredoc.Doc(`
			# Show config in human-readable format
			rlmchat config show

			# Show config as JSON
			rlmchat config show --json
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg.Redacted()
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			if asYAML {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			}

			source := cfg.Path
			if source == "" {
				source = "(defaults)"
			}
			fmt.Fprintln(out, "Effective Configuration")
			fmt.Fprintln(out, "=======================")
			fmt.Fprintf(out, "Source: %s\n\n", source)

			fmt.Fprintln(out, "RLM:")
			fmt.Fprintf(out, "  Max Iterations:    %d\n", cfg.RLM.MaxIterations)
			fmt.Fprintf(out, "  Max Depth:         %d\n", cfg.RLM.MaxDepth)
			fmt.Fprintf(out, "  No Recursion:      %t\n", cfg.RLM.NoRecursion)
			fmt.Fprintf(out, "  Chunk Size:        %d\n", cfg.RLM.ChunkSize)
			fmt.Fprintf(out, "  History Window:    %d\n", cfg.RLM.HistoryWindow)
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Backend:")
			fmt.Fprintf(out, "  Provider:          %s\n", cfg.Backend.Provider)
			if cfg.Backend.Model != "" {
				fmt.Fprintf(out, "  Model:             %s\n", cfg.Backend.Model)
			}
			if cfg.Backend.BaseURL != "" {
				fmt.Fprintf(out, "  Base URL:          %s\n", cfg.Backend.BaseURL)
			}
			if cfg.Backend.APIKey != "" {
				fmt.Fprintf(out, "  API Key:           %s\n", cfg.Backend.APIKey)
			}
			fmt.Fprintf(out, "  Timeout:           %s\n", cfg.Backend.Timeout)
			fmt.Fprintf(out, "  Max Concurrent:    %d\n", cfg.Backend.MaxConcurrent)
			fmt.Fprintf(out, "  Cache Size:        %d\n", cfg.Backend.CacheSize)
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Sandbox:")
			fmt.Fprintf(out, "  Timeout:           %s\n", cfg.Sandbox.Timeout)
			fmt.Fprintf(out, "  Max Steps:         %d\n", cfg.Sandbox.MaxSteps)
			fmt.Fprintf(out, "  Max Concurrent:    %d\n", cfg.Sandbox.MaxConcurrent)
			fmt.Fprintln(out)

			tracePath := cfg.Trace.Path
			if tracePath == "" {
				tracePath = "(disabled)"
			}
			fmt.Fprintf(out, "Trace Store:         %s\n", tracePath)
			fmt.Fprintf(out, "Docs Root:           %s\n", cfg.Docs.Root)
			fmt.Fprintf(out, "Log Level:           %s\n", cfg.Log.Level)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().BoolVarP(&asYAML, "yaml", "y", false, "Output as YAML")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")
	return cmd
}

func (c *cli) configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file paths",
		Long:  "Display the paths configuration files are loaded from, in order of precedence",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration Paths (in order of precedence):")
			fmt.Fprintln(out)

			paths := config.SearchPaths()
			if c.configPath != "" {
				paths = []string{c.configPath}
			}
			for _, p := range paths {
				status := "✗"
				if _, err := os.Stat(p); err == nil {
					status = "✓"
				}
				if p == c.cfg.Path {
					status += " (loaded)"
				}
				fmt.Fprintf(out, "  %s %s\n", status, p)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Trace store: %s\n", c.cfg.Trace.Path)
			return nil
		},
	}
}

func (c *cli) configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long:  "Check the effective configuration for errors",
		Example: heredoc.Doc(`
			# Validate a specific file
			rlmchat --config ./prod.yaml config validate
		`),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			err := c.cfg.Validate()
			if err == nil {
				fmt.Fprintln(out, "✓ Configuration is valid")
				return nil
			}

			problems := []error{err}
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				problems = joined.Unwrap()
			}
			fmt.Fprintln(out, "Errors:")
			for _, p := range problems {
				fmt.Fprintf(out, "  ✗ %s\n", p)
			}
			return errors.New("configuration is invalid")
		},
	}
}

func (c *cli) configDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Show how the configuration differs from the defaults",
		Long:  "Print a unified diff from the default configuration to the effective one, as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, err := marshalYAML(config.Default().Redacted())
			if err != nil {
				return err
			}
			effective, err := marshalYAML(c.cfg.Redacted())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			diff := udiff.Unified("defaults", "effective", defaults, effective)
			if diff == "" {
				fmt.Fprintln(out, "Configuration matches the defaults.")
				return nil
			}
			fmt.Fprint(out, diff)
			return nil
		},
	}
}

func (c *cli) configSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration",
		Example: heredoc.Doc(`
			# Save the schema for editor completion
			rlmchat config schema > rlmchat.schema.json
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &jsonschema.Reflector{DoNotReference: true}
			schema := r.Reflect(&config.Config{})
			schema.Title = "rlmchat configuration"
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema)
		},
	}
}

func marshalYAML(v any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode yaml: %w", err)
	}
	return buf.String(), nil
}
