package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/coldvault/vault/engine"
	"github.com/coldvault/vault/vindex"
)

// browseModel is a read-only interactive catalog viewer: arrow keys move
// the selection, enter shows the full entry, q/esc/ctrl+c quits. It never
// mutates the vault — export/delete stay one-shot CLI subcommands.
type browseModel struct {
	v        *engine.Vault
	table    table.Model
	entries  []vindex.Entry
	detail   string
	quitting bool
}

func newBrowseModel(v *engine.Vault, entries []vindex.Entry) browseModel {
	columns := []table.Column{
		{Title: "file_id", Width: 22},
		{Title: "name", Width: 28},
		{Title: "type", Width: 10},
		{Title: "size", Width: 10},
	}
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{shortID(e.FileID), e.Name, entryTypeLabel(e.Type), fmt.Sprintf("%d", e.Size)})
	}

	tbl := table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(len(rows)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("212"))
	tbl.SetStyles(s)

	return browseModel{v: v, table: tbl, entries: entries}
}

func (m browseModel) Init() tea.Cmd { return nil }

func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if i := m.table.Cursor(); i >= 0 && i < len(m.entries) {
				e := m.entries[i]
				m.detail = fmt.Sprintf("%s\n  mime: %s\n  layout: %s\n  created: %d",
					e.Name, e.Mime, layoutLabel(e.Layout), e.CreatedAtMS)
			}
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m browseModel) View() string {
	if m.quitting {
		return ""
	}
	view := borderStyle.Render(m.table.View())
	view += "\n" + headerStyle.Render("enter: details  q: quit")
	if m.detail != "" {
		view += "\n\n" + m.detail
	}
	return view
}

func runBrowse(v *engine.Vault) error {
	entries, err := v.List()
	if err != nil {
		return err
	}
	p := tea.NewProgram(newBrowseModel(v, entries))
	_, err = p.Run()
	return err
}
