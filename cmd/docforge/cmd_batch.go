package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"docforge/internal/orchestrator"
)

// Manifest lists documents to generate in one batch.
type Manifest struct {
	Defaults Job   `yaml:"defaults"`
	Jobs     []Job `yaml:"jobs"`
}

// Job is one manifest entry. Empty fields fall back to the manifest defaults.
type Job struct {
	Name     string `yaml:"name"`
	Format   string `yaml:"format"`
	User     string `yaml:"user"`
	Chat     string `yaml:"chat"`
	Code     string `yaml:"code"`
	CodeFile string `yaml:"code_file"` // relative to the manifest
}

// batchCmd runs a manifest of requests concurrently
var batchCmd = &cobra.Command{
	Use:   "batch <manifest.yaml>",
	Short: "Generate every document in a YAML manifest",
	Long: `Runs each job of a manifest on its own kernel session, at most
execution.concurrency at a time, and prints one line per job.

Manifest:
  defaults:
    format: docx
    user: u1
    chat: c1
  jobs:
    - name: summary.docx
      code_file: summary.py
    - name: figures.xlsx
      format: xlsx
      code: |
        import openpyxl
        ...`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// LoadManifest reads a manifest and resolves code files and defaults.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s has no jobs", path)
	}

	dir := filepath.Dir(path)
	for i := range m.Jobs {
		j := &m.Jobs[i]
		j.Format = fallback(j.Format, m.Defaults.Format)
		j.User = fallback(j.User, m.Defaults.User)
		j.Chat = fallback(j.Chat, m.Defaults.Chat)
		if j.Code == "" && j.CodeFile != "" {
			p := j.CodeFile
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			code, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("job %d: %w", i+1, err)
			}
			j.Code = string(code)
		}
		if strings.TrimSpace(j.Code) == "" {
			return nil, fmt.Errorf("job %d (%s): no code", i+1, j.Name)
		}
	}
	return &m, nil
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func runBatch(cmd *cobra.Command, args []string) error {
	m, err := LoadManifest(args[0])
	if err != nil {
		return err
	}

	b, err := newBackend(cfg, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	results := make([]orchestrator.Response, len(m.Jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Execution.Concurrency)
	for i, job := range m.Jobs {
		g.Go(func() error {
			results[i] = b.orch.Run(gctx, orchestrator.Request{
				Code:           job.Code,
				TargetFormat:   job.Format,
				DisplayName:    job.Name,
				UserID:         job.User,
				ConversationID: job.Chat,
			})
			return nil
		})
	}
	_ = g.Wait()

	failed := printBatch(cmd.OutOrStdout(), m.Jobs, results)
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not succeed", failed, len(m.Jobs))
	}
	return nil
}

func printBatch(w io.Writer, jobs []Job, results []orchestrator.Response) int {
	rows := make([][]string, 0, len(results))
	failed := 0
	for i, resp := range results {
		name := jobs[i].Name
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		if resp.Result.Outcome != orchestrator.OutcomeOK {
			failed++
		}
		rows = append(rows, []string{name, string(resp.Result.Outcome), resp.Text})
	}
	_ = writeTable(w, []string{"JOB", "OUTCOME", "RESULT"}, rows, func(row, col int, cell string) string {
		if row >= 0 && col == 1 {
			return outcomeStyle(cell).Render(cell)
		}
		return headerPaint(row, col, cell)
	})
	return failed
}
