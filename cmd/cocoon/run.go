package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cocoon-run/cocoon/extension"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a handler to completion",
	Long: `Execute a handler script, driving every suspension through the
configured extension providers, and print the terminal result together
with all accumulated effects as JSON.

Code can be provided via:
  - File argument: cocoon run handler.js
  - Inline flag: cocoon run -c '$state.set("x", 1)'
  - Stdin: echo '1 + 1' | cocoon run`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Handler code to execute")
	cmd.Flags().String("state", "", "JSON file holding the state snapshot")
	cmd.Flags().String("input", "", "JSON file holding handler arguments")
	cmd.Flags().StringSlice("grant", nil, "Capability grant, kind:scope (repeatable)")
	cmd.Flags().String("panel", "cli", "Panel id of the execution context")
	cmd.Flags().String("handler", "main", "Handler name of the execution context")
	addLimitFlags(cmd)
	addProviderFlags(cmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")

	var source string
	switch {
	case code != "":
		source = code
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		source = string(data)
	default:
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return cmd.Help()
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		source = string(data)
		if source == "" {
			return cmd.Help()
		}
	}

	reg, err := buildRegistry(cmd)
	if err != nil {
		return err
	}
	ectx, err := contextFromFlags(cmd, reg)
	if err != nil {
		return err
	}

	cfg := config.LoadOrDefault()
	eng, err := executorNew(cfg.Engine)
	if err != nil {
		return err
	}
	defer eng.Close()

	steps, err := extension.Drive(cmd.Context(), eng, source, ectx, reg, runOptions(cmd)...)
	if err != nil {
		return err
	}

	summary := summarize(steps)
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if err := out.Encode(summary); err != nil {
		return err
	}

	if summary.Status == handler.StatusError {
		return fmt.Errorf("%s: %s", summary.Code, summary.Message)
	}
	return nil
}

// contextFromFlags assembles the execution context a one-shot run or a
// REPL line executes against.
func contextFromFlags(cmd *cobra.Command, reg *extension.Registry) (*handler.Context, error) {
	panelID, _ := cmd.Flags().GetString("panel")
	handlerName, _ := cmd.Flags().GetString("handler")
	statePath, _ := cmd.Flags().GetString("state")
	inputPath, _ := cmd.Flags().GetString("input")
	grants, _ := cmd.Flags().GetStringSlice("grant")

	ectx := &handler.Context{
		PanelID:     panelID,
		HandlerName: handlerName,
		Grants:      grants,
		Extensions:  reg.Declarations(),
	}
	if len(ectx.Grants) == 0 {
		ectx.Grants = defaultGrants(reg)
	}

	var err error
	if statePath != "" {
		if ectx.State, err = loadValueFile(statePath); err != nil {
			return nil, err
		}
	}
	if inputPath != "" {
		if ectx.Args, err = loadValueFile(inputPath); err != nil {
			return nil, err
		}
	}
	return ectx, nil
}
