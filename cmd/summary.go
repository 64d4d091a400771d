package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/overmindtech/mbsetup/metabase"
)

// longest response body shown in the summary
const maxDetail = 80

// printSummary renders one row per data source
func printSummary(w io.Writer, outcomes []metabase.Outcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No data sources configured")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{Bold.TextStyle("Data source"), Bold.TextStyle("Result"), Bold.TextStyle("Detail")})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: maxDetail, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, o := range outcomes {
		t.AppendRow(table.Row{o.Name, statusColor(o.Status).Color(o.Status.String()), outcomeDetail(o)})
	}
	t.Render()
}

func statusColor(s metabase.Status) Color {
	switch s {
	case metabase.Registered:
		return Green
	case metabase.AlreadyExists:
		return Yellow
	default:
		return Red
	}
}

func outcomeDetail(o metabase.Outcome) string {
	if o.Err == nil {
		return ""
	}
	detail := o.Err.Error()
	if body := strings.TrimSpace(o.Body); body != "" {
		detail = fmt.Sprintf("%v: %v", detail, body)
	}
	if runes := []rune(detail); len(runes) > maxDetail*3 {
		detail = string(runes[:maxDetail*3]) + "..."
	}
	return detail
}
