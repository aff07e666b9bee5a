// Command cocoon runs untrusted handler scripts inside the sandboxed
// execution engine: one-shot runs, an interactive REPL, and an HTTP
// execution service.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cocoon-run/cocoon/executor"
	"github.com/cocoon-run/cocoon/extension"
	"github.com/cocoon-run/cocoon/handler"
	"github.com/cocoon-run/cocoon/internal/config"
	"github.com/cocoon-run/cocoon/value"
)

var rootCmd = &cobra.Command{
	Use:   "cocoon [file]",
	Short: "Sandboxed handler-script runtime",
	Long: `cocoon - Run untrusted JavaScript handlers safely.

Handlers execute inside pooled, hardened interpreter instances with
capability-gated host operations ($state, $emit, $view, $ext, $log) and
hard limits on time, memory, and host calls. An $ext.call suspends the
handler; the host performs the real I/O and resumes it exactly where it
stopped, so effects recorded before the call are never held back.

Run handlers from files, inline strings, or stdin. Without --grant the
handler holds every grant the local providers can honor; pass --grant to
restrict it.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	addRunFlags(rootCmd)
}

// addProviderFlags declares the flags that decide which extension
// providers back $ext.call.
func addProviderFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("kv", false, "Enable the kv extension (host-side key/value store)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow the http extension to reach host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount for the fs extension, virtual:host:mode (repeatable)")
}

// addLimitFlags declares the per-execution resource limit flags. Zero
// values fall back to the engine defaults from the environment.
func addLimitFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "Active interpreter time limit (default from COCOON_TIMEOUT)")
	cmd.Flags().Int64("memory-limit", 0, "Heap growth limit in bytes (default from COCOON_MEMORY_LIMIT)")
	cmd.Flags().Int("call-budget", 0, "Host call budget (default from COCOON_CALL_BUDGET)")
}

func parseMount(spec string) (extension.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return extension.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode extension.MountMode
	switch parts[2] {
	case "ro":
		mode = extension.MountReadOnly
	case "rw":
		mode = extension.MountReadWrite
	case "rwc":
		mode = extension.MountReadWriteCreate
	default:
		return extension.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return extension.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

// buildRegistry assembles the extension registry from provider flags.
func buildRegistry(cmd *cobra.Command) (*extension.Registry, error) {
	enableKV, _ := cmd.Flags().GetBool("kv")
	allowedHosts, _ := cmd.Flags().GetStringSlice("allow-host")
	mounts, _ := cmd.Flags().GetStringSlice("mount")

	reg := extension.NewRegistry()
	if enableKV {
		reg.Register("kv", extension.NewKV(extension.DefaultKVConfig()))
	}
	if len(allowedHosts) > 0 {
		reg.Register("http", extension.NewHTTP(extension.HTTPConfig{AllowedHosts: allowedHosts}))
	}
	if len(mounts) > 0 {
		parsed := make([]extension.Mount, 0, len(mounts))
		for _, spec := range mounts {
			m, err := parseMount(spec)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, m)
		}
		reg.Register("fs", extension.NewFS(parsed...))
	}
	return reg, nil
}

// defaultGrants is what a handler may do when the caller does not
// restrict it: full local state, events, and views, plus every
// registered extension.
func defaultGrants(reg *extension.Registry) []string {
	grants := []string{"state:read:*", "state:write:*", "emit:*", "view:*"}
	for _, name := range reg.List() {
		grants = append(grants, "ext:"+name)
	}
	return grants
}

func engineOptions(cfg config.EngineConfig, extra ...executor.EngineOption) []executor.EngineOption {
	opts := []executor.EngineOption{
		executor.WithPoolSize(cfg.PoolSize),
		executor.WithCacheCapacity(cfg.CacheCapacity),
		executor.WithDefaultTimeout(cfg.Timeout),
		executor.WithDefaultMemoryLimit(cfg.MemoryLimit),
		executor.WithDefaultCallBudget(cfg.CallBudget),
		executor.WithSuspensionIdleTimeout(cfg.SuspensionIdleTimeout),
	}
	return append(opts, extra...)
}

func executorNew(cfg config.EngineConfig, extra ...executor.EngineOption) (*executor.Engine, error) {
	return executor.New(engineOptions(cfg, extra...)...)
}

// runOptions maps the limit flags the user actually set onto
// per-execution options.
func runOptions(cmd *cobra.Command) []executor.Option {
	var opts []executor.Option
	if cmd.Flags().Changed("timeout") {
		d, _ := cmd.Flags().GetDuration("timeout")
		opts = append(opts, executor.WithTimeout(d))
	}
	if cmd.Flags().Changed("memory-limit") {
		b, _ := cmd.Flags().GetInt64("memory-limit")
		opts = append(opts, executor.WithMemoryLimit(b))
	}
	if cmd.Flags().Changed("call-budget") {
		n, _ := cmd.Flags().GetInt("call-budget")
		opts = append(opts, executor.WithCallBudget(n))
	}
	return opts
}

// loadValueFile reads a JSON object file into a state/args/scope map.
func loadValueFile(path string) (map[string]value.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m, err := value.FromNativeMap(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// runSummary is the JSON shape run and serve print: the terminal result
// with the effects and logs of every slice folded together in flush
// order.
type runSummary struct {
	Status    handler.Status     `json:"status"`
	Value     value.Value        `json:"value"`
	Code      handler.Code       `json:"code,omitempty"`
	Message   string             `json:"message,omitempty"`
	Location  *handler.Location  `json:"location,omitempty"`
	Effects   handler.Effects    `json:"effects"`
	Logs      []handler.LogEntry `json:"logs,omitempty"`
	Steps     int                `json:"steps"`
	HostCalls int                `json:"host_calls"`
	DurationMS int64             `json:"duration_ms"`
}

func summarize(steps []*handler.Result) runSummary {
	final := steps[len(steps)-1]
	s := runSummary{
		Status:     final.Status,
		Value:      final.Value,
		Code:       final.Code,
		Message:    final.Message,
		Location:   final.Location,
		Steps:      len(steps),
		HostCalls:  final.Metrics.HostCalls,
		DurationMS: final.Metrics.Duration.Milliseconds(),
	}
	for _, step := range steps {
		s.Effects.StateMutations = append(s.Effects.StateMutations, step.Effects.StateMutations...)
		s.Effects.Events = append(s.Effects.Events, step.Effects.Events...)
		s.Effects.ViewCommands = append(s.Effects.ViewCommands, step.Effects.ViewCommands...)
		s.Logs = append(s.Logs, step.Logs...)
	}
	return s
}
