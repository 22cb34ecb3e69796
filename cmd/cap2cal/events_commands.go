package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"cap2cal/internal/apiclient"
	"cap2cal/internal/config"
	"cap2cal/internal/enrichment"
	"cap2cal/internal/event"
	"cap2cal/internal/services"
	"cap2cal/internal/store"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and manage stored events",
	}
	cmd.AddCommand(newEventsListCommand(ctx))
	cmd.AddCommand(newEventsShowCommand(ctx))
	cmd.AddCommand(newEventsReenrichCommand(ctx))
	return cmd
}

func newEventsListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ListFilter{Limit: limit}
			for _, raw := range states {
				state, err := event.ParseState(raw)
				if err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}
			return ctx.withLocal(func(_ *config.Config, st *store.Store, _ *apiclient.Client, _ *enrichment.Orchestrator, _ *slog.Logger) error {
				events, err := st.List(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("list events: %w", err)
				}
				if asJSON {
					return writeJSON(cmd, events)
				}
				out := cmd.OutOrStdout()
				if len(events) == 0 {
					fmt.Fprintln(out, "No events stored")
					return nil
				}
				fmt.Fprintln(out, renderEventTable(events, shouldColorize(out)))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by enrichment state (pending, enriched, exhausted)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newEventsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one event as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLocal(func(_ *config.Config, st *store.Store, _ *apiclient.Client, _ *enrichment.Orchestrator, _ *slog.Logger) error {
				ev, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get event: %w", err)
				}
				if ev == nil {
					return fmt.Errorf("event %s not found", args[0])
				}
				return writeJSON(cmd, ev)
			})
		},
	}
}

func newEventsReenrichCommand(ctx *commandContext) *cobra.Command {
	var locale string

	cmd := &cobra.Command{
		Use:   "reenrich <id>",
		Short: "Reset an exhausted event and run enrichment again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLocal(func(cfg *config.Config, st *store.Store, _ *apiclient.Client, orch *enrichment.Orchestrator, _ *slog.Logger) error {
				ev, err := st.ResetEnrichment(cmd.Context(), args[0])
				switch {
				case errors.Is(err, services.ErrNotFound):
					return fmt.Errorf("event %s not found", args[0])
				case errors.Is(err, services.ErrValidation):
					return fmt.Errorf("event %s is already pending enrichment", args[0])
				case err != nil:
					return fmt.Errorf("reset enrichment: %w", err)
				}
				if strings.TrimSpace(locale) == "" {
					locale = cfg.Client.Locale
				}
				batch := orch.Run(cmd.Context(), locale, []event.Skeleton{ev.Skeleton})

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, job := range batch.Jobs {
					if job.State == enrichment.JobDone {
						fmt.Fprintln(out, renderStatusLine(job.EventID, statusOK, fmt.Sprintf("enriched after %d attempt(s)", job.Attempts), colorize))
						continue
					}
					fmt.Fprintln(out, renderStatusLine(job.EventID, statusError, fmt.Sprintf("exhausted after %d attempt(s): %s", job.Attempts, job.LastErr), colorize))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Output language (defaults to client.locale)")
	return cmd
}
