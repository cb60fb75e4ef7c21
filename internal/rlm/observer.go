package rlm

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Session describes a session as it starts.
type Session struct {
	ID        string
	ParentID  string
	Depth     int
	Query     string
	Config    RunConfig
	StartedAt time.Time
}

// Observer receives sessions and their steps as they happen. Calls for
// one session arrive in order; sessions nested in a batch may be reported
// concurrently, so implementations must be safe for concurrent use.
type Observer interface {
	OnSessionStart(s Session)
	OnStep(sessionID string, step Step)
	OnSessionEnd(result *Result)
}

// ObserverFuncs adapts optional functions to the Observer interface.
type ObserverFuncs struct {
	SessionStart func(s Session)
	Step         func(sessionID string, step Step)
	SessionEnd   func(result *Result)
}

func (f ObserverFuncs) OnSessionStart(s Session) {
	if f.SessionStart != nil {
		f.SessionStart(s)
	}
}

func (f ObserverFuncs) OnStep(sessionID string, step Step) {
	if f.Step != nil {
		f.Step(sessionID, step)
	}
}

func (f ObserverFuncs) OnSessionEnd(result *Result) {
	if f.SessionEnd != nil {
		f.SessionEnd(result)
	}
}

// Observers fans every event out to each observer in order.
type Observers []Observer

func (o Observers) OnSessionStart(s Session) {
	for _, obs := range o {
		obs.OnSessionStart(s)
	}
}

func (o Observers) OnStep(sessionID string, step Step) {
	for _, obs := range o {
		obs.OnStep(sessionID, step)
	}
}

func (o Observers) OnSessionEnd(result *Result) {
	for _, obs := range o {
		obs.OnSessionEnd(result)
	}
}

// ProgressPrinter writes one line per event, indented by session depth.
type ProgressPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	depths map[string]int
	iters  map[string]int
	max    map[string]int
}

// NewProgressPrinter creates a printer writing to w.
func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{
		w:      w,
		depths: make(map[string]int),
		iters:  make(map[string]int),
		max:    make(map[string]int),
	}
}

func (p *ProgressPrinter) OnSessionStart(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depths[s.ID] = s.Depth
	p.max[s.ID] = s.Config.MaxIterations
	if s.Depth == 0 {
		fmt.Fprintf(p.w, "[RLM] Starting: %s\n", firstLine(s.Query))
		return
	}
	fmt.Fprintf(p.w, "%s[depth %d] Sub-query: %s\n", indent(s.Depth), s.Depth, firstLine(s.Query))
}

func (p *ProgressPrinter) OnStep(sessionID string, step Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := indent(p.depths[sessionID])
	switch step.Kind {
	case StepCode:
		p.iters[sessionID]++
		fmt.Fprintf(p.w, "%s[%d/%d] Running: %s\n", prefix, p.iters[sessionID], p.max[sessionID], firstLine(step.Payload))
	case StepOutput:
		if step.Payload == "" {
			fmt.Fprintf(p.w, "%s  Done\n", prefix)
			return
		}
		fmt.Fprintf(p.w, "%s  Output: %s\n", prefix, firstLine(step.Payload))
	case StepSubCall:
		fmt.Fprintf(p.w, "%s  Sub-call -> %s\n", prefix, firstLine(step.Payload))
	case StepFinal:
		fmt.Fprintf(p.w, "%s  Answer: %s\n", prefix, firstLine(step.Payload))
	}
}

func (p *ProgressPrinter) OnSessionEnd(result *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.depths, result.SessionID)
	delete(p.iters, result.SessionID)
	delete(p.max, result.SessionID)
	if result.Depth > 0 {
		return
	}
	msg := fmt.Sprintf("[RLM] %s in %s", result.Reason, formatDuration(result.Duration))
	if result.Error != "" {
		msg += ": " + firstLine(result.Error)
	}
	fmt.Fprintln(p.w, msg)
}

func indent(depth int) string {
	return strings.Repeat("  ", depth)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' || c == '\r' {
			if i > 50 {
				return preview(s[:i], 50)
			}
			return s[:i]
		}
	}
	if len(s) > 80 {
		return preview(s, 80)
	}
	return s
}

var (
	_ Observer = ObserverFuncs{}
	_ Observer = Observers(nil)
	_ Observer = (*ProgressPrinter)(nil)
)
