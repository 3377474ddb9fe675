package redfish

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const progressRepaint = time.Second

// progressIndicator repaints a one-line status while a poll loop runs. It
// is purely cosmetic: it owns nothing but the display string and is inert
// when the writer is not an interactive terminal.
type progressIndicator struct {
	w       io.Writer
	enabled bool

	mu     sync.Mutex
	line   string
	ticks  int
	done   chan struct{}
	active bool
}

func newProgressIndicator(w io.Writer) *progressIndicator {
	enabled := false
	if f, ok := w.(*os.File); ok {
		enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return &progressIndicator{w: w, enabled: enabled}
}

// Start begins repainting. Every Start must be paired with Stop on all
// exit paths; Stop without a matching Start is a no-op.
func (p *progressIndicator) Start(label string) {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.line = label
		return
	}
	p.active = true
	p.line = label
	p.ticks = 0
	p.done = make(chan struct{})
	go p.paint(p.done)
}

// Update replaces the display line.
func (p *progressIndicator) Update(line string) {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	p.line = line
	p.mu.Unlock()
}

// Stop halts repainting and clears the line.
func (p *progressIndicator) Stop() {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	done := p.done
	p.mu.Unlock()

	close(done)
	fmt.Fprint(p.w, "\r\033[K")
}

var spinnerFrames = []string{"|", "/", "-", "\\"}

func (p *progressIndicator) paint(done chan struct{}) {
	t := time.NewTicker(progressRepaint)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			p.mu.Lock()
			frame := spinnerFrames[p.ticks%len(spinnerFrames)]
			p.ticks++
			line := p.line
			p.mu.Unlock()
			fmt.Fprintf(p.w, "\r\033[K%s %s", frame, line)
		}
	}
}
