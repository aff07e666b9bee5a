package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/cocoon-run/cocoon/extension"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/internal/config"
	"github.com/cocoon-run/cocoon/value"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL session.

Each line runs as one handler execution against an in-memory state; the
mutations it records are applied to that state before the next line.
Suspensions are driven through the configured extension providers.

Features:
  - Command history (up/down arrows)
  - Line editing and history search (Ctrl+R)
  - Multi-line input (end line with \)
  - .state prints the current state, .reset clears it

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE:          runRepl,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	replCmd.Flags().StringSlice("grant", nil, "Capability grant, kind:scope (repeatable)")
	replCmd.Flags().String("state", "", "JSON file holding the initial state")
	replCmd.Flags().String("history", "", "History file path (default: ~/.cocoon_history)")
	addProviderFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	statePath, _ := cmd.Flags().GetString("state")
	grants, _ := cmd.Flags().GetStringSlice("grant")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".cocoon_history")
	}

	reg, err := buildRegistry(cmd)
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		grants = defaultGrants(reg)
	}

	state := map[string]value.Value{}
	if statePath != "" {
		if state, err = loadValueFile(statePath); err != nil {
			return err
		}
	}

	cfg := config.LoadOrDefault()
	eng, err := executorNew(cfg.Engine)
	if err != nil {
		return err
	}
	defer eng.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(os.Stderr, "cocoon REPL (type 'exit' to quit, Ctrl+D to exit)")

	var multiLine strings.Builder
	inMultiLine := false
	lineNo := 0

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case ".state":
			dump, _ := json.MarshalIndent(value.ExportMap(state), "", "  ")
			fmt.Println(string(dump))
			continue
		case ".reset":
			state = map[string]value.Value{}
			continue
		}

		lineNo++
		ectx := &handler.Context{
			PanelID:     "repl",
			HandlerName: fmt.Sprintf("line-%d", lineNo),
			State:       state,
			Grants:      grants,
			Extensions:  reg.Declarations(),
		}

		steps, err := extension.Drive(cmd.Context(), eng, line, ectx, reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}

		for _, step := range steps {
			for _, entry := range step.Logs {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", entry.Level, entry.Message)
			}
			step.Effects.ApplyState(state)
		}

		final := steps[len(steps)-1]
		if final.Failed() {
			fmt.Fprintf(os.Stderr, "Error: %s: %s\n", final.Code, final.Message)
			if final.Location != nil {
				fmt.Fprintf(os.Stderr, "  at line %d: %s\n", final.Location.Line, final.Location.Source)
			}
			continue
		}
		if !final.Value.IsNull() {
			fmt.Println(final.Value)
		}
	}
}
