package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/mr-tron/base58"

	"github.com/coldvault/vault/vindex"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
)

// shortID renders a file_id as a base58 string for display;
// base58 avoids the visually-confusable 0/O/I/l of raw hex.
func shortID(id [vindex.FileIDSize]byte) string {
	return base58.Encode(id[:])
}

func entryTypeLabel(t vindex.EntryType) string {
	switch t {
	case vindex.TypeImage:
		return "image"
	case vindex.TypeVideo:
		return "video"
	case vindex.TypeAudio:
		return "audio"
	case vindex.TypeDocument:
		return "document"
	case vindex.TypeText:
		return "text"
	default:
		return "binary"
	}
}

func layoutLabel(l vindex.Layout) string {
	if l.Tag == vindex.LayoutChunked {
		return fmt.Sprintf("chunked(%d)", l.ChunkCount)
	}
	return "inline"
}

// renderEntryTable formats the vault listing as a bordered table, the way
// an interactive terminal session expects; non-TTY callers should prefer
// JSON instead of shelling out to this.
func renderEntryTable(entries []vindex.Entry) string {
	columns := []table.Column{
		{Title: "file_id", Width: 22},
		{Title: "name", Width: 28},
		{Title: "type", Width: 10},
		{Title: "layout", Width: 14},
		{Title: "size", Width: 10},
		{Title: "created", Width: 19},
	}
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{
			shortID(e.FileID),
			e.Name,
			entryTypeLabel(e.Type),
			layoutLabel(e.Layout),
			fmt.Sprintf("%d", e.Size),
			time.UnixMilli(int64(e.CreatedAtMS)).Format("2006-01-02 15:04:05"),
		})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithHeight(len(rows)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("212"))
	t.SetStyles(s)

	return borderStyle.Render(t.View())
}
