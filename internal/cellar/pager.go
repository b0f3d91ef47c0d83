package cellar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// stepOrder is the display order of build step logs.
var stepOrder = []string{StepBootstrap, StepConfigure, StepMake, StepInstall}

// StepLogs lists the step logs kept in a working directory, in build order.
// Logs that are not build steps follow alphabetically.
func StepLogs(workdir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(workdir, "log"))
	if err != nil {
		return nil, fmt.Errorf("no build logs in %s (was it kept with --keep-tmp?): %w", workdir, err)
	}
	rank := make(map[string]int, len(stepOrder))
	for i, s := range stepOrder {
		rank[s] = i + 1
	}
	var steps []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			steps = append(steps, strings.TrimSuffix(e.Name(), ".log"))
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		ri, rj := rank[steps[i]], rank[steps[j]]
		if ri == 0 {
			ri = len(stepOrder) + 1
		}
		if rj == 0 {
			rj = len(stepOrder) + 1
		}
		if ri != rj {
			return ri < rj
		}
		return steps[i] < steps[j]
	})
	return steps, nil
}

// ReadStepLogs returns the lines of one step log, or of every step log
// with a header line per step when step is empty.
func ReadStepLogs(workdir, step string) ([]string, error) {
	steps := []string{step}
	if step == "" {
		var err error
		if steps, err = StepLogs(workdir); err != nil {
			return nil, err
		}
	}
	var lines []string
	for _, s := range steps {
		data, err := os.ReadFile(filepath.Join(workdir, "log", s+".log"))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s log: %w", s, err)
		}
		if step == "" {
			lines = append(lines, fmt.Sprintf("\x1b[1;33m==> %s\x1b[0m", s))
		}
		lines = append(lines, strings.Split(strings.TrimRight(string(data), "\n"), "\n")...)
	}
	return lines, nil
}

// RunPager shows lines in a scrollable view when stdout is a terminal and
// the text does not fit. Otherwise the lines are printed as-is.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return printLines(os.Stdout, lines)
	}
	// Two rows go to the border.
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-2 {
		return printLines(os.Stdout, lines)
	}

	app := tview.NewApplication()
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	textView.SetBorder(true).SetTitle(" " + title + " ")
	fmt.Fprint(tview.ANSIWriter(textView), strings.Join(lines, "\n"))

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]↑/↓ PgUp/PgDn scroll, g/G top/bottom, q or Esc quits[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				app.Stop()
				return nil
			case 'g':
				textView.ScrollToBeginning()
				return nil
			case 'G':
				textView.ScrollToEnd()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}

func printLines(w io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
