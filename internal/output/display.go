// Package output renders engine progress in the terminal. The display
// subscribes to task events and redraws a line per task on a ticker;
// styling comes from lipgloss.
package output

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftbyte/medley/internal/engine"
	"github.com/driftbyte/medley/internal/utils"
)

const (
	displayTick   = 300 * time.Millisecond
	progressWidth = 30
	maxNameWidth  = 25
)

type row struct {
	dest       string
	state      engine.State
	bytesDone  int64
	bytesTotal int64
	speed      string // formatted over the last tick
	lastBytes  int64
	lastTime   time.Time
	startTime  time.Time
	retries    int
	err        error
}

// Display multiplexes progress from many tasks onto one redrawn terminal
// region. Track before Start is not required; tasks can join mid-flight.
type Display struct {
	mu       sync.RWMutex
	rows     map[uuid.UUID]*row
	order    []uuid.UUID
	numLines int

	doneCh    chan struct{}
	displayWg sync.WaitGroup
	consumers sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		rows:   make(map[uuid.UUID]*row),
		doneCh: make(chan struct{}),
	}
}

// Track subscribes to a task's events and keeps its display row current
// until the task reaches a terminal state.
func (d *Display) Track(t *engine.Task) {
	d.mu.Lock()
	d.rows[t.ID] = &row{
		dest:       t.Spec.Dest,
		state:      t.State(),
		bytesTotal: -1,
		speed:      utils.FormatSpeed(0, 0),
		startTime:  time.Now(),
		lastTime:   time.Now(),
	}
	d.order = append(d.order, t.ID)
	d.mu.Unlock()

	events := t.Subscribe()
	d.consumers.Add(1)
	go func() {
		defer d.consumers.Done()
		for ev := range events {
			d.apply(t, ev)
			if ev.Terminal() {
				return
			}
		}
	}()
}

func (d *Display) apply(t *engine.Task, ev engine.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rows[ev.TaskID]
	if !ok {
		return
	}
	r.state = ev.Snapshot.State
	r.bytesDone = ev.Snapshot.BytesDone
	r.bytesTotal = ev.Snapshot.BytesTotal
	if ev.Type == engine.EventRetry {
		r.retries++
	}
	if ev.Terminal() {
		r.err = t.Err()
	}
}

// Start launches the redraw loop.
func (d *Display) Start() {
	d.displayWg.Add(1)
	go func() {
		defer d.displayWg.Done()
		ticker := time.NewTicker(displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.render()
			case <-d.doneCh:
				return
			}
		}
	}()
}

// Stop waits for all tracked tasks to deliver their terminal events, then
// halts the redraw loop after a final frame.
func (d *Display) Stop() {
	d.consumers.Wait()
	close(d.doneCh)
	d.displayWg.Wait()
	d.render()
}

func (d *Display) render() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.numLines != 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}
	for _, id := range d.order {
		r := d.rows[id]
		name := r.dest
		if len(name) > maxNameWidth {
			name = "..." + name[len(name)-maxNameWidth+3:]
		}
		switch {
		case r.state == engine.StateCompleted:
			fmt.Printf("%s %s  %s\n", FSuccess(StyleSymbols["pass"]), name, FDetail(utils.FormatBytes(uint64(r.bytesDone))))
		case r.state == engine.StateFailed:
			fmt.Printf("%s %s  %s\n", FError(StyleSymbols["fail"]), name, FError(fmt.Sprintf("%v", r.err)))
		case r.state == engine.StateCancelled:
			fmt.Printf("%s %s  %s\n", FWarning(StyleSymbols["warning"]), name, FWarning("cancelled"))
		case r.bytesDone > 0:
			d.renderActive(name, r)
		default:
			fmt.Printf("%s %s  %s\n", FPending(StyleSymbols["pending"]), name, FDetail(r.state.String()))
		}
	}
	d.numLines = len(d.order)
}

func (d *Display) renderActive(name string, r *row) {
	now := time.Now()
	if diff := now.Sub(r.lastTime).Seconds(); diff > 0 {
		// Progress can roll back when a chunk attempt is abandoned.
		delta := r.bytesDone - r.lastBytes
		if delta < 0 {
			delta = 0
		}
		r.speed = utils.FormatSpeed(delta, diff)
		r.lastTime = now
		r.lastBytes = r.bytesDone
	}
	if r.bytesTotal > 0 {
		percent := float64(r.bytesDone) / float64(r.bytesTotal)
		filled := int(percent * float64(progressWidth))
		bar := "[" + strings.Repeat("=", filled)
		if filled < progressWidth {
			bar += ">" + strings.Repeat(" ", progressWidth-filled-1)
		}
		bar += "]"
		fmt.Printf("%s %s %s %.1f%% %s/%s %s\n", FInfo(StyleSymbols["arrow"]), name, bar, percent*100,
			utils.FormatBytes(uint64(r.bytesDone)), utils.FormatBytes(uint64(r.bytesTotal)), r.speed)
	} else {
		// total size unknown
		bar := "[" + strings.Repeat(" ", 10) + strings.Repeat("*", 10) + strings.Repeat(" ", progressWidth-20) + "]"
		fmt.Printf("%s %s %s %s %s\n", FInfo(StyleSymbols["arrow"]), name, bar, utils.FormatBytes(uint64(r.bytesDone)), r.speed)
	}
}

// Summary prints overall totals after Stop.
func (d *Display) Summary() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var totalBytes int64
	var failed int
	elapsed := float64(0)
	for _, r := range d.rows {
		if since := time.Since(r.startTime).Seconds(); since > elapsed {
			elapsed = since
		}
		if r.state == engine.StateCompleted {
			totalBytes += r.bytesDone
		} else {
			failed++
		}
	}
	fmt.Println()
	line := fmt.Sprintf("Total Data: %s, Time Elapsed: %.2fs", utils.FormatBytes(uint64(totalBytes)), elapsed)
	if failed > 0 {
		PrintWarning(fmt.Sprintf("%s, Incomplete: %d", line, failed))
		return
	}
	PrintSuccess(line)
}
