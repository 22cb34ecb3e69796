package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"cap2cal/internal/event"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

const titleWidth = 40

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func renderEventTable(events []event.CaptureEvent, colorize bool) string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		when := ev.Start.Date
		if ev.Start.Time != "" {
			when += " " + strings.TrimSuffix(ev.Start.Time, ":00")
		}
		where := ev.Location.Address
		if ev.Location.City != "" && !strings.Contains(where, ev.Location.City) {
			where = strings.TrimSpace(where + ", " + ev.Location.City)
		}
		rows = append(rows, []string{
			ev.ID,
			text.Trim(ev.Title, titleWidth),
			when,
			where,
			stateLabel(ev.State, colorize),
			fmt.Sprintf("%.2f", ev.Confidence.Score),
		})
	}
	return renderTable(
		[]string{"ID", "Title", "When", "Where", "Enriched", "Conf"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func stateLabel(state event.EnrichmentState, colorize bool) string {
	label := state.String()
	if !colorize {
		return label
	}
	switch state {
	case event.StateEnriched:
		return text.FgGreen.Sprint(label)
	case event.StateExhausted:
		return text.FgRed.Sprint(label)
	default:
		return text.FgYellow.Sprint(label)
	}
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
