package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"docforge/internal/orchestrator"
)

var (
	genFormat string
	genName   string
	genUser   string
	genChat   string
	genPretty bool
)

// generateCmd runs one document generation request
var generateCmd = &cobra.Command{
	Use:   "generate [code-file]",
	Short: "Run document-generating Python code on a kernel",
	Long: `Reads Python code from a file (or stdin when the file is "-" or omitted),
runs it on a kernel with document writes redirected, and prints a Markdown
download link for the result.

Example:
  docforge generate report.py --format docx --name "Q3 report.docx" --user u1 --chat c1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genFormat, "format", "f", "docx", "Target format (docx, xlsx, pptx, pdf, markdown, ...)")
	generateCmd.Flags().StringVarP(&genName, "name", "n", "", "Display name for the download link")
	generateCmd.Flags().StringVar(&genUser, "user", "", "User id (artifact folder owner)")
	generateCmd.Flags().StringVar(&genChat, "chat", "", "Conversation id")
	generateCmd.Flags().BoolVar(&genPretty, "pretty", false, "Render the Markdown result for the terminal")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	code, err := readCode(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	b, err := newBackend(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext()
	defer cancel()

	resp := b.orch.Run(ctx, orchestrator.Request{
		Code:           code,
		TargetFormat:   genFormat,
		DisplayName:    genName,
		UserID:         genUser,
		ConversationID: genChat,
	})
	if err := printResponse(cmd.OutOrStdout(), resp, genPretty); err != nil {
		return err
	}
	if resp.Result.Outcome != orchestrator.OutcomeOK {
		return fmt.Errorf("generation %s (%s)", resp.Result.Outcome, resp.Result.Err.Kind)
	}
	return nil
}

func readCode(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("no code to run")
	}
	return string(data), nil
}

func printResponse(w io.Writer, resp orchestrator.Response, pretty bool) error {
	text := resp.Text
	if pretty {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(0))
		if err != nil {
			return fmt.Errorf("failed to create renderer: %w", err)
		}
		rendered, err := r.Render(text)
		if err != nil {
			return fmt.Errorf("failed to render result: %w", err)
		}
		_, err = fmt.Fprint(w, rendered)
		return err
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
