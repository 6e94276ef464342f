package tui

import "patchpilot/internal/planner"

// RowUpdateMsg updates a single row's fields by column name.
type RowUpdateMsg struct {
	Key    string
	Fields map[string]string
}

// PlanMsg adds one row per step of a freshly computed plan.
type PlanMsg struct {
	Plan planner.Plan
}

// PhaseMsg replaces the footer text and byte counters.
type PhaseMsg struct {
	Text  string
	Done  int64
	Total int64
}

// WorkDoneMsg signals that all background work has completed.
type WorkDoneMsg struct{}

// ErrorMsg signals a fatal error; the TUI should quit.
type ErrorMsg struct {
	Err error
}
