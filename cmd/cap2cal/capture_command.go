package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cap2cal/internal/apiclient"
	"cap2cal/internal/capture"
	"cap2cal/internal/config"
	"cap2cal/internal/enrichment"
	"cap2cal/internal/event"
	"cap2cal/internal/store"
)

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var locale string
	var skipEnrich bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "capture <image>",
		Short: "Scan a poster image and store the events it contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			return ctx.withLocal(func(cfg *config.Config, st *store.Store, client *apiclient.Client, orch *enrichment.Orchestrator, _ *slog.Logger) error {
				if strings.TrimSpace(locale) == "" {
					locale = cfg.Client.Locale
				}
				locale = capture.NormalizeLocale(locale)
				img := capture.RawImage{Data: data, Locale: locale}

				outcome, err := client.Scan(cmd.Context(), img)
				if err != nil {
					return fmt.Errorf("scan: %w", err)
				}
				if !outcome.OK() {
					return fmt.Errorf("scan: %s: %s", outcome.Reason, outcome.Reason.Guidance())
				}

				if _, err := st.PutSkeletons(cmd.Context(), outcome.Items); err != nil {
					return fmt.Errorf("store events: %w", err)
				}
				if !skipEnrich {
					orch.Run(cmd.Context(), locale, outcome.Items)
				}

				events := make([]event.CaptureEvent, 0, len(outcome.Items))
				for _, sk := range outcome.Items {
					ev, err := st.Get(cmd.Context(), sk.ID)
					if err != nil {
						return fmt.Errorf("reload event %s: %w", sk.ID, err)
					}
					if ev != nil {
						events = append(events, *ev)
					}
				}
				if asJSON {
					return writeJSON(cmd, map[string]any{"items": events, "meta": outcome.Meta})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Captured %d event(s) (%s, confidence %.2f)\n", len(events), outcome.Meta.Type, outcome.Meta.OverallConfidence)
				fmt.Fprintln(out, renderEventTable(events, shouldColorize(out)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Output language for extracted text (defaults to client.locale)")
	cmd.Flags().BoolVar(&skipEnrich, "no-enrich", false, "Store skeletons without enriching them")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
