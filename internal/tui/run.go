package tui

import (
	"context"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// RunWithWork creates a bubbletea program, launches workFn in a goroutine,
// and blocks until the program exits. Quitting the program early cancels the
// context handed to workFn; RunWithWork then waits for workFn to unwind and
// returns its error.
func RunWithWork(ctx context.Context, out io.Writer, model ProgressModel, workFn func(ctx context.Context, send func(tea.Msg)) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(model, tea.WithOutput(out), tea.WithContext(ctx))
	workErr := make(chan error, 1)

	go func() {
		// Let bubbletea start its event loop and render the initial frame.
		time.Sleep(50 * time.Millisecond)

		err := workFn(ctx, p.Send)
		if err != nil {
			p.Send(ErrorMsg{Err: err})
		} else {
			p.Send(WorkDoneMsg{})
		}
		workErr <- err
	}()

	finalModel, runErr := p.Run()
	// The program may have stopped first; make sure the work sees it.
	cancel()
	err := <-workErr
	if err != nil {
		return err
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	if m, ok := finalModel.(ProgressModel); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}
