package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cap2cal/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Edit the file to set llm.api_key (or export CAP2CAL_LLM_API_KEY) and [auth] tokens before running cap2cal serve.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	var pingModel bool

	cmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(ctx.configPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintf(out, "Config path: %s\n", path)
			if !exists {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}

			llmErr := cfg.RequireLLM()
			switch {
			case llmErr != nil:
				fmt.Fprintln(out, renderStatusLine("LLM", statusWarn, "api key missing; serve will refuse to start", colorize))
			case pingModel:
				logger, err := ctx.cliLogger(cfg)
				if err != nil {
					return err
				}
				if err := newModelClient(cfg, logger).HealthCheck(cmd.Context()); err != nil {
					fmt.Fprintln(out, renderStatusLine("LLM", statusError, err.Error(), colorize))
					return fmt.Errorf("model check failed: %w", err)
				}
				fmt.Fprintln(out, renderStatusLine("LLM", statusOK, cfg.LLM.Model+" responded", colorize))
			default:
				fmt.Fprintln(out, renderStatusLine("LLM", statusOK, cfg.LLM.Model, colorize))
			}

			if tokens := len(cfg.Auth.Tokens); tokens == 0 {
				fmt.Fprintln(out, renderStatusLine("Auth", statusWarn, "no tokens configured; every request will be rejected", colorize))
			} else {
				fmt.Fprintln(out, renderStatusLine("Auth", statusOK, fmt.Sprintf("%d token(s)", tokens), colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Quota", statusInfo, quotaSummary(cfg.Quota), colorize))
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
	cmd.Flags().BoolVar(&pingModel, "ping-model", false, "Send a one-token request to verify the API key and model")
	return cmd
}

func quotaSummary(q config.Quota) string {
	if !q.PaidOnly {
		return q.Backend + " backend, unlimited captures"
	}
	return fmt.Sprintf("%s backend, %d free captures", q.Backend, q.FreeCaptureLimit)
}
