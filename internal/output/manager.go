package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tanq16/splitfetch/internal/transfer"
	"github.com/tanq16/splitfetch/internal/utils"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

type TransferOutput struct {
	ID          int
	Label       string
	Status      Status
	Message     string
	Progress    *transfer.Progress
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager renders one status line per transfer, redrawing in place when
// attached to a terminal and printing only the final state otherwise.
type Manager struct {
	out         io.Writer
	interactive bool
	mutex       sync.RWMutex
	outputs     map[int]*TransferOutput
	count       int
	numLines    int
	errors      []ErrorReport
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	started     bool
}

// NewManager writes to out, or stdout when out is nil.
func NewManager(out io.Writer) *Manager {
	if out == nil {
		out = os.Stdout
	}
	interactive := false
	if f, ok := out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Manager{
		out:         out,
		interactive: interactive,
		outputs:     make(map[int]*TransferOutput),
		displayTick: 200 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

func (m *Manager) Register(label string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.count++
	now := time.Now()
	m.outputs[m.count] = &TransferOutput{
		ID:          m.count,
		Label:       label,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
	}
	return m.count
}

func (m *Manager) update(id int, fn func(*TransferOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, ok := m.outputs[id]; ok {
		fn(info)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetStatus(id int, status Status) {
	m.update(id, func(o *TransferOutput) { o.Status = status })
}

func (m *Manager) SetMessage(id int, message string) {
	m.update(id, func(o *TransferOutput) { o.Message = message })
}

func (m *Manager) GetStatus(id int) Status {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, ok := m.outputs[id]; ok {
		return info.Status
	}
	return ""
}

// UpdateProgress is shaped to serve as a transfer.Options.OnProgress callback.
func (m *Manager) UpdateProgress(id int, p transfer.Progress) {
	m.update(id, func(o *TransferOutput) {
		o.Status = StatusActive
		o.Progress = &p
	})
}

func (m *Manager) Complete(id int, message string) {
	m.update(id, func(o *TransferOutput) {
		if message == "" {
			message = "Completed " + o.Label
		}
		o.Message = message
		o.Complete = true
		o.Status = StatusSuccess
		o.Progress = nil
	})
}

// Warn completes a transfer that succeeded with caveats.
func (m *Manager) Warn(id int, message string) {
	m.update(id, func(o *TransferOutput) {
		o.Message = message
		o.Complete = true
		o.Status = StatusWarning
		o.Progress = nil
	})
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, ok := m.outputs[id]
	if !ok {
		return
	}
	info.Complete = true
	info.Status = StatusError
	info.Error = err
	info.Progress = nil
	if info.Message == "" {
		info.Message = "Failed " + info.Label
	}
	info.LastUpdated = time.Now()
	m.errors = append(m.errors, ErrorReport{Label: info.Label, Error: err, Time: info.LastUpdated})
}

// Counts returns the number of successful (including warnings) and failed transfers.
func (m *Manager) Counts() (succeeded, failed int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case StatusSuccess, StatusWarning:
			succeeded++
		case StatusError:
			failed++
		}
	}
	return succeeded, failed
}

func statusIndicator(status Status) string {
	switch status {
	case StatusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case StatusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case StatusWarning:
		return warningStyle.Render(StyleSymbols["warning"])
	case StatusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["arrow"])
	}
}

func styleMessage(status Status, msg string) string {
	switch status {
	case StatusSuccess:
		return successStyle.Render(msg)
	case StatusError:
		return errorStyle.Render(msg)
	case StatusWarning:
		return warningStyle.Render(msg)
	default:
		return pendingStyle.Render(msg)
	}
}

func (m *Manager) sorted() (active, pending, completed []*TransferOutput) {
	all := make([]*TransferOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, o := range all {
		switch {
		case o.Complete:
			completed = append(completed, o)
		case o.Status == StatusPending && o.Message == "":
			pending = append(pending, o)
		default:
			active = append(active, o)
		}
	}
	return active, pending, completed
}

// lines renders the current state; maxLines <= 0 means unlimited.
func (m *Manager) lines(maxLines int) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	active, pending, completed := m.sorted()
	indent := strings.Repeat(" ", 2)

	var out []string
	add := func(s string) bool {
		if maxLines > 0 && len(out) >= maxLines {
			return false
		}
		out = append(out, s)
		return true
	}
	for _, o := range active {
		elapsed := time.Since(o.StartTime).Round(time.Second)
		if !add(fmt.Sprintf("%s%s %s %s", indent, statusIndicator(o.Status), debugStyle.Render(elapsed.String()), styleMessage(o.Status, o.Message))) {
			return out
		}
		if o.Progress != nil {
			if !add(indent + "    " + progressLine(*o.Progress)) {
				return out
			}
		}
	}
	for _, o := range pending {
		if !add(fmt.Sprintf("%s%s %s", indent, statusIndicator(o.Status), pendingStyle.Render("Waiting "+o.Label))) {
			return out
		}
	}
	if maxLines > 0 && len(completed) > 10 {
		add(indent + infoStyle.Render(fmt.Sprintf("%d transfers finished earlier ...", len(completed)-8)))
		completed = completed[len(completed)-8:]
	}
	for _, o := range completed {
		took := o.LastUpdated.Sub(o.StartTime).Round(time.Second)
		if !add(fmt.Sprintf("%s%s %s %s", indent, statusIndicator(o.Status), debugStyle.Render(took.String()), styleMessage(o.Status, o.Message))) {
			return out
		}
	}
	return out
}

func progressLine(p transfer.Progress) string {
	done := utils.FormatBytes(uint64(max(p.BytesCompleted, 0)))
	speed := utils.FormatSpeed(p.BytesCompleted, p.Elapsed.Seconds())
	if p.TotalBytes < 0 {
		return streamStyle.Render(fmt.Sprintf("%s %s %s", done, StyleSymbols["bullet"], speed))
	}
	total := utils.FormatBytes(uint64(p.TotalBytes))
	return ProgressBar(p.BytesCompleted, p.TotalBytes, 30) +
		streamStyle.Render(fmt.Sprintf("%s / %s %s %s %s %d/%d chunks", done, total, StyleSymbols["bullet"], speed, StyleSymbols["bullet"], p.ChunksComplete, p.ChunksTotal))
}

func (m *Manager) redraw() {
	available := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.lines(available)
	for _, l := range lines {
		fmt.Fprintln(m.out, l)
	}
	m.numLines = len(lines)
}

// StartDisplay begins periodic redraws on a terminal; elsewhere it is a no-op
// and StopDisplay prints the final state once.
func (m *Manager) StartDisplay() {
	m.started = true
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.redraw()
			case <-m.doneCh:
				m.redraw()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	if !m.started {
		return
	}
	m.started = false
	close(m.doneCh)
	m.displayWg.Wait()
	if !m.interactive {
		for _, l := range m.lines(0) {
			fmt.Fprintln(m.out, l)
		}
	}
	m.ShowSummary()
}

func (m *Manager) ShowSummary() {
	succeeded, failed := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	total := len(m.outputs)
	indent := strings.Repeat(" ", 2)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, indent+success2Style.Render(fmt.Sprintf("Completed %d of %d", succeeded, total)))
	if failed > 0 {
		fmt.Fprintln(m.out, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, indent+errorStyle.Bold(true).Render("Errors:"))
		for i, e := range m.errors {
			fmt.Fprintf(m.out, "%s%s %s %s\n", indent+"  ",
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
				errorStyle.Render(e.Label))
			for _, l := range wrapText(fmt.Sprintf("Error: %v", e.Error), 6) {
				fmt.Fprintln(m.out, indent+"    "+errorStyle.Render(l))
			}
		}
	}
	fmt.Fprintln(m.out)
}
