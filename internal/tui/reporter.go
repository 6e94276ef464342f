package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"patchpilot/internal/planner"
	"patchpilot/internal/updater"
)

// StepColumns is the table layout used by the update command.
var StepColumns = []Column{
	{Header: "STEP", Width: 4},
	{Header: "FROM", Width: 10},
	{Header: "TO", Width: 10},
	{Header: "SIZE", Width: 9},
	{Header: "STATUS", Width: 11},
	{Header: "PROGRESS", Width: 20},
}

// StepKey is the row key of a 1-based plan step.
func StepKey(step int) string {
	return "step:" + strconv.Itoa(step)
}

// AddPlanRows adds one pending row per plan step.
func AddPlanRows(m *ProgressModel, plan planner.Plan) {
	for _, s := range plan.Steps {
		m.AddRow(StepKey(s.Position), []string{
			strconv.Itoa(s.Position),
			s.Edge.From,
			s.Edge.To,
			humanize.Bytes(uint64(s.Edge.TotalSize())),
			"pending",
			"-",
		})
	}
}

// UpdateReporter turns orchestrator events into bubbletea messages. The
// orchestrator calls it from its own goroutine; send must be safe for that.
type UpdateReporter struct {
	send func(tea.Msg)
	// step is the last step whose row was marked active.
	step  int
	state updater.State
}

// NewUpdateReporter returns a reporter that delivers messages through send.
func NewUpdateReporter(send func(tea.Msg)) *UpdateReporter {
	return &UpdateReporter{send: send}
}

// Plan is an updater.Options.OnPlan callback.
func (r *UpdateReporter) Plan(plan planner.Plan) {
	r.send(PlanMsg{Plan: plan})
}

// Handle is an updater.Options.OnEvent callback.
func (r *UpdateReporter) Handle(ev updater.Event) {
	if ev.Step == 0 {
		r.stateChanged(ev.State)
		return
	}
	status := "downloading"
	phase := fmt.Sprintf("Downloading step %d/%d", ev.Step, ev.Steps)
	if ev.State == updater.StatePatching {
		status = "patching"
		phase = fmt.Sprintf("Patching step %d/%d", ev.Step, ev.Steps)
	}
	if ev.State == updater.StateDownloading && r.state == updater.StateDownloading && r.step != ev.Step && r.step > 0 {
		r.send(RowUpdateMsg{Key: StepKey(r.step), Fields: map[string]string{"STATUS": "downloaded"}})
	}
	if ev.State == updater.StatePatching && r.step > 0 && r.step != ev.Step {
		r.send(RowUpdateMsg{Key: StepKey(r.step), Fields: map[string]string{"STATUS": "done", "PROGRESS": "-"}})
	}
	r.step = ev.Step

	fields := map[string]string{"STATUS": status}
	if ev.Total > 0 {
		fields["PROGRESS"] = fmt.Sprintf("%s/%s", humanize.Bytes(uint64(ev.Done)), humanize.Bytes(uint64(ev.Total)))
	}
	r.send(RowUpdateMsg{Key: StepKey(ev.Step), Fields: fields})
	r.send(PhaseMsg{Text: phase, Done: ev.Done, Total: ev.Total})
}

func (r *UpdateReporter) stateChanged(state updater.State) {
	prev := r.state
	r.state = state
	switch state {
	case updater.StatePatching:
		if prev == updater.StateDownloading && r.step > 0 {
			r.send(RowUpdateMsg{Key: StepKey(r.step), Fields: map[string]string{"STATUS": "downloaded"}})
		}
		r.step = 0
	case updater.StateFinalizing:
		if r.step > 0 {
			r.send(RowUpdateMsg{Key: StepKey(r.step), Fields: map[string]string{"STATUS": "done", "PROGRESS": "-"}})
		}
		r.send(PhaseMsg{Text: "Confirming installed version"})
	case updater.StateDetecting:
		r.send(PhaseMsg{Text: "Detecting installed version"})
	case updater.StateChecking:
		r.send(PhaseMsg{Text: "Checking for updates"})
	}
}
