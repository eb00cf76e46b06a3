package ui

import (
	"fmt"
	"strconv"

	"github.com/BioHazard786/directdrop/internal/utils"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// FileTableItem represents a file in the table
type FileTableItem struct {
	Index int
	Name  string
	Size  int64
	Type  string
}

// FileTable lists files with a closing total row.
type FileTable struct {
	items []FileTableItem
}

func NewFileTable(items []FileTableItem) *FileTable {
	return &FileTable{items: items}
}

func (t *FileTable) View() string {
	if len(t.items) == 0 {
		return MutedStyle.Render("No files")
	}

	rows := make([][]string, 0, len(t.items)+1)
	var total int64
	for _, item := range t.items {
		total += item.Size
		rows = append(rows, []string{
			strconv.Itoa(item.Index),
			utils.TruncateString(item.Name, 50),
			utils.FormatSize(item.Size),
			utils.TruncateString(item.Type, 20),
		})
	}
	if len(t.items) > 1 {
		rows = append(rows, []string{"", "Total", utils.FormatSize(total), ""})
	}

	return newTable([]string{"#", "Name", "Size", "Type"}, rows).Render()
}

func newTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

func (t *FileTable) Render() {
	fmt.Fprintln(Output, t.View())
}

func RenderFileTable(items []FileTableItem) {
	NewFileTable(items).Render()
}

// TransferSummary is the end-of-transfer report.
type TransferSummary struct {
	Status    string
	Files     int
	TotalSize string
	Duration  string
	Speed     string
}

func TransferSummaryView(summary TransferSummary) string {
	return newTable([]string{"Metric", "Value"}, [][]string{
		{"Status", summary.Status},
		{"Files", strconv.Itoa(summary.Files)},
		{"Total Size", summary.TotalSize},
		{"Duration", summary.Duration},
		{"Avg Speed", summary.Speed},
	}).Render()
}

func RenderTransferSummary(summary TransferSummary) {
	fmt.Fprintln(Output, TransferSummaryView(summary))
}

// PeerInfo shows the local peer id the remote side should dial.
type PeerInfo struct {
	PeerID   string
	PeerLink string
	Command  string
}

func (p *PeerInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Ready to send!\n\n%s Peer ID:  %s\n%s Receive:  %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(p.PeerID),
		IconPeer, MutedStyle.Render(p.Command),
	)
	if p.PeerLink != "" {
		content += fmt.Sprintf("\n%s Web:      %s", IconWeb, MutedStyle.Render(p.PeerLink))
	}

	return boxStyle.Render(content)
}

func (p *PeerInfo) Render() {
	fmt.Fprintln(Output, p.View())
}
