package display

import (
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/signalnine/terca/internal/runner"
)

// DefaultTickInterval is how often the live view re-reads run states.
const DefaultTickInterval = 100 * time.Millisecond

// Model is a bubbletea model that polls run state snapshots on a tick.
type Model struct {
	header   string
	snapshot func() []runner.StateSnapshot
	interval time.Duration
	noColor  bool
	snaps    []runner.StateSnapshot
}

type tickMsg time.Time

type stopMsg struct{}

func NewModel(header string, snapshot func() []runner.StateSnapshot, noColor bool) Model {
	return Model{header: header, snapshot: snapshot, interval: DefaultTickInterval, noColor: noColor, snaps: snapshot()}
}

func (m Model) Init() tea.Cmd {
	return tick(m.interval)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case tickMsg:
		m.snaps = m.snapshot()
		return m, tick(m.interval)
	case stopMsg:
		m.snaps = m.snapshot()
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	return Render(m.header, m.snaps, m.noColor)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Live drives a Model on a terminal until Stop.
type Live struct {
	program *tea.Program
	done    chan struct{}
}

// Start renders snapshots to w until Stop is called. Keyboard input is not
// read, so interrupts reach the process as signals.
func Start(w io.Writer, header string, snapshot func() []runner.StateSnapshot, noColor bool) *Live {
	l := &Live{
		program: tea.NewProgram(NewModel(header, snapshot, noColor), tea.WithOutput(w), tea.WithInput(nil)),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		_, _ = l.program.Run()
	}()
	return l
}

// Stop renders the final state and waits for the program to exit.
func (l *Live) Stop() {
	l.program.Send(stopMsg{})
	<-l.done
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	if fder, ok := w.(interface{ Fd() uintptr }); ok {
		return term.IsTerminal(int(fder.Fd()))
	}
	return false
}
