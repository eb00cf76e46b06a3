package ui

import (
	"fmt"

	"github.com/BioHazard786/directdrop/internal/benchmark"
	"github.com/BioHazard786/directdrop/internal/protocol"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var qualityColors = map[benchmark.Quality]text.Colors{
	benchmark.Excellent: {text.FgGreen, text.Bold},
	benchmark.Good:      {text.FgCyan},
	benchmark.Fair:      {text.FgYellow},
	benchmark.Poor:      {text.FgRed, text.Bold},
}

// BenchmarkReportView renders the network quality measurement as a table.
func BenchmarkReportView(res benchmark.Result) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(IconSpeed + " Network quality")
	t.AppendHeader(table.Row{"Metric", "Value"})

	quality := string(res.Quality)
	if c, ok := qualityColors[res.Quality]; ok {
		quality = c.Sprint(quality)
	}

	t.AppendRows([]table.Row{
		{"Quality", quality},
		{"Speed", fmt.Sprintf("%.2f MB/s", res.Speed)},
		{"Failed channels", fmt.Sprintf("%.0f%%", res.FailureFraction*100)},
		{"Timed out", yesNo(res.TimedOut)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})

	return t.Render()
}

func RenderBenchmarkReport(res benchmark.Result) {
	fmt.Fprintln(Output, BenchmarkReportView(res))
}

// RenderAdvisory warns that the peers should move to the same network.
func RenderAdvisory(res benchmark.Result) {
	PrintWarningf("Network quality is %s (%.2f MB/s). Transfers will be slow; "+
		"connecting both devices to the same network usually helps.", res.Quality, res.Speed)
}

// RenderPeer prints the remote device from the handshake.
func RenderPeer(d protocol.DeviceInfo) {
	name := d.Name
	if name == "" {
		name = "unknown device"
	}
	if d.Version != "" {
		name += " v" + d.Version
	}
	PrintInfof("%s Connected to %s (%s)", IconPeer, name, d.Type)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
