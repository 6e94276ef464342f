package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
)

const (
	frameInterval = 150 * time.Millisecond
	barWidth      = 30
	cellGap       = "  "
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// frameMsg advances the spinner.
type frameMsg time.Time

// Column is one table column; Width is a minimum, the header may widen it.
type Column struct {
	Header string
	Width  int
}

// Row is a keyed table row; Fields follow the column order.
type Row struct {
	Key    string
	Fields []string
}

type runState int

const (
	running runState = iota
	finished
	failed
	interrupted
)

// footer is the phase line under the table.
type footer struct {
	text  string
	done  int64
	total int64
}

// ProgressModel renders one row per patch step with a footer showing the
// current phase and a byte progress bar.
type ProgressModel struct {
	title   string
	columns []Column
	widths  []int
	rows    []Row
	index   map[string]int
	// statusCol is the STATUS column index, or -1.
	statusCol int

	state  runState
	err    error
	footer footer
	frame  int
}

// NewProgressModel creates a progress model with the given title and columns.
func NewProgressModel(title string, columns []Column) ProgressModel {
	m := ProgressModel{
		title:     title,
		columns:   columns,
		widths:    make([]int, len(columns)),
		index:     map[string]int{},
		statusCol: -1,
	}
	for i, c := range columns {
		m.widths[i] = max(c.Width, len(c.Header))
		if m.statusCol < 0 && strings.EqualFold(c.Header, "STATUS") {
			m.statusCol = i
		}
	}
	return m
}

// AddRow appends a row; a key that already exists is left untouched.
func (m *ProgressModel) AddRow(key string, fields []string) {
	if _, ok := m.index[key]; ok {
		return
	}
	row := Row{Key: key, Fields: make([]string, len(m.columns))}
	copy(row.Fields, fields)
	m.index[key] = len(m.rows)
	m.rows = append(m.rows, row)
}

func nextFrame() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

// Init satisfies the tea.Model interface.
func (m ProgressModel) Init() tea.Cmd {
	return nextFrame()
}

// Update satisfies the tea.Model interface.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case frameMsg:
		m.frame++
		if m.Done() {
			return m, nil
		}
		return m, nextFrame()
	case PlanMsg:
		AddPlanRows(&m, msg.Plan)
	case RowUpdateMsg:
		m.setFields(msg.Key, msg.Fields)
	case PhaseMsg:
		m.footer = footer{text: msg.Text, done: msg.Done, total: msg.Total}
	case WorkDoneMsg:
		m.state = finished
		return m, tea.Quit
	case ErrorMsg:
		m.state = failed
		m.err = msg.Err
		return m, tea.Quit
	case tea.KeyMsg:
		if k := msg.String(); k == "ctrl+c" || k == "q" {
			m.state = interrupted
			return m, tea.Quit
		}
	}
	return m, nil
}

// setFields overwrites the cells named by header; unknown keys are ignored.
func (m *ProgressModel) setFields(key string, fields map[string]string) {
	i, ok := m.index[key]
	if !ok {
		return
	}
	for j, col := range m.columns {
		if v, ok := fields[col.Header]; ok {
			m.rows[i].Fields[j] = v
		}
	}
}

// View satisfies the tea.Model interface.
func (m ProgressModel) View() string {
	if m.state == failed {
		return fmt.Sprintf("Error: %v\n", m.err)
	}
	var b strings.Builder
	if m.title != "" {
		b.WriteString(TitleStyle.Render(m.title))
		b.WriteString("\n\n")
	}
	m.writeTable(&b)
	if m.state == running {
		m.writeFooter(&b)
	}
	return b.String()
}

func (m ProgressModel) writeTable(b *strings.Builder) {
	cells := make([]string, len(m.columns))
	for i, col := range m.columns {
		cells[i] = HeaderStyle.Render(fit(col.Header, m.widths[i]))
	}
	b.WriteString(strings.Join(cells, cellGap))
	b.WriteByte('\n')

	for _, row := range m.rows {
		for i, v := range row.Fields {
			cell := fit(v, m.widths[i])
			if i == m.statusCol {
				cell = StatusStyle(strings.TrimSpace(v)).Render(cell)
			}
			cells[i] = cell
		}
		b.WriteString(strings.Join(cells, cellGap))
		b.WriteByte('\n')
	}
}

func (m ProgressModel) writeFooter(b *strings.Builder) {
	text := m.footer.text
	if text == "" {
		text = "Working"
	}
	finishedSteps, total := m.progressCounts()
	fmt.Fprintf(b, "\n%s %s (%d/%d steps)\n", spinnerFrames[m.frame%len(spinnerFrames)], text, finishedSteps, total)
	if m.footer.total > 0 {
		fmt.Fprintf(b, "  %s %s / %s\n",
			renderBar(m.footer.done, m.footer.total, barWidth),
			humanize.Bytes(uint64(max(m.footer.done, 0))),
			humanize.Bytes(uint64(m.footer.total)))
	}
}

// progressCounts returns (finished, total) counting rows whose status is done.
func (m ProgressModel) progressCounts() (int, int) {
	if m.statusCol < 0 {
		return 0, len(m.rows)
	}
	n := 0
	for _, row := range m.rows {
		if strings.TrimSpace(row.Fields[m.statusCol]) == "done" {
			n++
		}
	}
	return n, len(m.rows)
}

// Done reports whether the model stopped, for any reason.
func (m ProgressModel) Done() bool {
	return m.state != running
}

// Interrupted reports whether the user quit before the work completed.
func (m ProgressModel) Interrupted() bool {
	return m.state == interrupted
}

// Err returns the error that stopped the work, if any.
func (m ProgressModel) Err() error {
	return m.err
}

func renderBar(done, total int64, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	done = min(max(done, 0), total)
	filled := int(done * int64(width) / total)
	return barFilled.Render(strings.Repeat("█", filled)) + barEmpty.Render(strings.Repeat("░", width-filled))
}
