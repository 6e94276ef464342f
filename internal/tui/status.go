package tui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const statusInterval = 100 * time.Millisecond

// StatusWriter prints a spinning status line for short phases, such as
// fetching the manifest, that run before or without the progress table.
type StatusWriter struct {
	w       io.Writer
	updates chan string
	quit    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// NewStatusWriter starts a background spinner on w.
func NewStatusWriter(w io.Writer) *StatusWriter {
	sw := &StatusWriter{
		w:       w,
		updates: make(chan string),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go sw.loop()
	return sw
}

// Updatef changes the message and restarts the phase timer. Calls after Stop
// are dropped.
func (sw *StatusWriter) Updatef(format string, args ...any) {
	select {
	case sw.updates <- fmt.Sprintf(format, args...):
	case <-sw.exited:
	}
}

// Stop clears the status line and waits for the spinner to exit. It is safe
// to call more than once.
func (sw *StatusWriter) Stop() {
	sw.once.Do(func() { close(sw.quit) })
	<-sw.exited
}

// loop owns the writer; nothing else touches it until exited is closed.
func (sw *StatusWriter) loop() {
	defer close(sw.exited)
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var (
		message string
		since   = time.Now()
		frame   int
	)
	for {
		select {
		case <-sw.quit:
			fmt.Fprint(sw.w, "\r\033[K")
			return
		case message = <-sw.updates:
			since = time.Now()
		case <-ticker.C:
			if message == "" {
				continue
			}
			fmt.Fprintf(sw.w, "\r\033[K%s %s (%s)", spinnerFrames[frame%len(spinnerFrames)], message, formatElapsed(time.Since(since)))
			frame++
		}
	}
}

func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < 10*time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	default:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
