package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"docforge/internal/channel"
	"docforge/internal/config"
	"docforge/internal/kernel"
	"docforge/internal/ledger"
	"docforge/internal/orchestrator"
)

// backend is everything a command needs to run documents against the
// configured gateway.
type backend struct {
	client  *kernel.Client
	manager *kernel.Manager
	ledger  *ledger.Ledger
	orch    *orchestrator.Orchestrator
}

func newClient(cfg *config.Config) *kernel.Client {
	return kernel.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token, cfg.GetControlTimeout())
}

// newBackend wires the kernel manager, channel dialer and ledger from cfg.
// progress receives user-facing notifications; nil keeps them in the log.
func newBackend(cfg *config.Config, progress io.Writer) (*backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := kernel.ParsePolicy(cfg.Gateway.SessionPolicy)
	if err != nil {
		return nil, err
	}

	b := &backend{client: newClient(cfg)}
	b.manager = kernel.NewManager(b.client, nil, cfg.Gateway.KernelName, policy)

	var recorder orchestrator.Recorder
	if cfg.Ledger.Enabled {
		b.ledger, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		recorder = b.ledger
	}

	notifier := orchestrator.Notifier(orchestrator.LogNotifier{})
	if progress != nil {
		notifier = orchestrator.Multi(notifier, progressNotifier(progress, cfg.Debug))
	}

	b.orch = orchestrator.New(orchestrator.Options{
		Sessions: b.manager,
		Dial: orchestrator.ChannelDialer(cfg.Gateway.BaseURL, channel.Options{
			Token:            cfg.Gateway.Token,
			HandshakeTimeout: cfg.GetHandshakeTimeout(),
		}),
		ArtifactRoot:     cfg.Artifacts.Root,
		DownloadBaseURL:  cfg.Artifacts.DownloadBaseURL,
		ExecutionTimeout: cfg.GetExecutionTimeout(),
		ControlTimeout:   cfg.GetControlTimeout(),
		Debug:            cfg.Debug,
		Notifier:         notifier,
		Recorder:         recorder,
	})
	return b, nil
}

func (b *backend) Close() error {
	if b.ledger != nil {
		return b.ledger.Close()
	}
	return nil
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	unknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

// progressNotifier prints visible notifications to w. Hidden ones are shown
// only in debug mode.
func progressNotifier(w io.Writer, debug bool) orchestrator.Notifier {
	return orchestrator.NotifierFunc(func(_ context.Context, n orchestrator.Notification) {
		if n.Hidden && !debug {
			return
		}
		line := n.Description
		if n.Source != nil {
			line = fmt.Sprintf("%s %s", n.Source.Name, n.Source.URL)
		}
		fmt.Fprintln(w, dimStyle.Render("· "+line))
	})
}

func outcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case string(orchestrator.OutcomeOK):
		return okStyle
	case string(orchestrator.OutcomeFailed):
		return failStyle
	default:
		return unknownStyle
	}
}

// writeTable aligns columns on the visible width of each cell and only then
// paints it, so escape sequences never shift a column. paint sees row -1 for
// the header and may be nil.
func writeTable(w io.Writer, header []string, rows [][]string, paint func(row, col int, cell string) string) error {
	widths := make([]int, len(header))
	measure := func(cells []string) {
		for i, c := range cells {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	measure(header)
	for _, r := range rows {
		measure(r)
	}

	var b strings.Builder
	line := func(row int, cells []string) {
		for i, c := range cells {
			painted := c
			if paint != nil {
				painted = paint(row, i, c)
			}
			b.WriteString(painted)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		b.WriteByte('\n')
	}
	line(-1, header)
	for i, r := range rows {
		line(i, r)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// headerPaint styles the header row and leaves body cells alone.
func headerPaint(row, _ int, cell string) string {
	if row < 0 {
		return headerStyle.Render(cell)
	}
	return cell
}
