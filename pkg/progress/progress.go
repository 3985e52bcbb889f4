// Package progress provides a thread-safe progress bar that rewrites
// itself in place and estimates the remaining time from per-step
// wall-clock deltas.
package progress

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const barWidth = 30

// Bar is a mutex-guarded progress display. Step may be called from any
// goroutine.
type Bar struct {
	mu      sync.Mutex
	title   string
	total   int
	done    int
	start   time.Time
	enabled bool
	lastLen int
}

// New starts a bar over total steps. A disabled bar swallows every
// update, so callers never branch on verbosity.
func New(title string, total int, enabled bool) *Bar {
	b := &Bar{title: title, total: total, start: time.Now(), enabled: enabled}
	if enabled {
		b.render()
	}
	return b
}

// Step advances the bar by one unit.
func (b *Bar) Step() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	if b.enabled {
		b.render()
	}
}

// Done finishes the line.
func (b *Bar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		b.render()
		fmt.Fprintln(os.Stdout)
	}
}

// render redraws in place, erasing any longer previous line with
// trailing spaces before backspacing the cursor.
func (b *Bar) render() {
	frac := 0.0
	if b.total > 0 {
		frac = float64(b.done) / float64(b.total)
	}
	filled := int(frac * barWidth)
	if filled > barWidth {
		filled = barWidth
	}

	eta := "--:--"
	if b.done > 0 && b.done < b.total {
		perStep := time.Since(b.start) / time.Duration(b.done)
		left := perStep * time.Duration(b.total-b.done)
		eta = fmtDuration(left)
	}

	line := fmt.Sprintf("%s |%s%s| %3.0f%%  ETA %s",
		b.title,
		strings.Repeat("#", filled),
		strings.Repeat(" ", barWidth-filled),
		frac*100, eta)

	pad := b.lastLen - len(line)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(os.Stdout, "%s%s%s%s", strings.Repeat("\b", b.lastLen), line,
		strings.Repeat(" ", pad), strings.Repeat("\b", pad))
	b.lastLen = len(line)
}

func fmtDuration(d time.Duration) string {
	s := int(d.Seconds() + 0.5)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
