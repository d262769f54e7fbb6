package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"runbook/internal/automation"
	"runbook/internal/builder"
	"runbook/internal/condition"
	"runbook/internal/config"
	"runbook/internal/executor"
	"runbook/internal/notify"
	"runbook/internal/poller"
	"runbook/internal/store"
	"runbook/internal/template"
	"runbook/internal/tools"
	"runbook/internal/validate"
)

var (
	// Global flags
	configPath string
	verbose    bool
	userID     string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "runbook",
	Short: "runbook - declarative automation runtime",
	Long: `runbook deploys and executes declarative automations: YAML-defined
action sequences with template parameters, conditions, and trigger types
(manual, webhook, polling, schedules).

Automations deploy into pending_review and must be confirmed before any
trigger fires them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		template.SetLogger(logger)
		condition.SetLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runtime bundles the wired components a command needs.
type runtime struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	registry *tools.InMemoryRegistry
	notifier *notify.LogNotifier
	exec     *executor.Executor
	builder  *builder.Builder
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry, logger); err != nil {
		db.Close()
		return nil, err
	}

	notifier := notify.NewLogNotifier(logger)
	exec := executor.New(registry, notifier, logger)

	return &runtime{
		cfg:      cfg,
		store:    db,
		registry: registry,
		notifier: notifier,
		exec:     exec,
		builder:  builder.New(registry, db, logger),
	}, nil
}

func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// loadSpecFile reads an automation definition from a YAML file.
func loadSpecFile(path string) (*automation.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read automation file: %w", err)
	}
	var spec automation.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse automation file: %w", err)
	}
	if spec.TriggerType == "" {
		spec.TriggerType = automation.TriggerManual
	}
	return &spec, nil
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Run static checks on an automation definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		spec, err := loadSpecFile(args[0])
		if err != nil {
			return err
		}

		spec.Actions = validate.SanitizeActions(spec.Actions)
		ok, errs := validate.ValidateActions(cmd.Context(), spec.Actions, rt.registry, spec.TriggerType, spec.TriggerConfig)
		if vok, verrs := validate.ValidateVariables(spec.Variables); !vok {
			ok = false
			errs = append(errs, verrs...)
		}
		if !ok {
			for _, msg := range errs {
				fmt.Fprintln(os.Stderr, "✗ "+msg)
			}
			return fmt.Errorf("validation failed with %d error(s)", len(errs))
		}
		fmt.Println("✓ automation is valid")
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <file>",
	Short: "Validate, preflight, and store an automation for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		spec, err := loadSpecFile(args[0])
		if err != nil {
			return err
		}

		// Fetch schemas for every used tool, as an assisted session would.
		session := rt.builder.NewSession()
		names := usedTools(spec.Actions)
		if len(names) > 0 {
			if _, err := rt.builder.FetchToolSpecs(cmd.Context(), session, names); err != nil {
				return err
			}
		}

		result, err := rt.builder.Deploy(cmd.Context(), session, userID, spec)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.OK {
			return fmt.Errorf("deployment rejected")
		}
		if deployActivate {
			if err := rt.builder.Activate(cmd.Context(), result.ID, userID); err != nil {
				return err
			}
			fmt.Printf("deployed and activated: %s\n", result.ID)
			return nil
		}
		fmt.Printf("deployed for review; confirm with: runbook confirm %s\n", result.ID)
		return nil
	},
}

var deployActivate bool

var confirmCmd = &cobra.Command{
	Use:   "confirm <automation-id>",
	Short: "Activate a pending automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.builder.Activate(cmd.Context(), args[0], userID); err != nil {
			return err
		}
		fmt.Println("✓ automation activated")
		return nil
	},
}

var (
	runFile        string
	runTriggerData string
)

var runCmd = &cobra.Command{
	Use:   "run [automation-id]",
	Short: "Execute an automation manually",
	Long: `Execute an automation immediately, either a stored one by id or a
definition file via --file. Trigger data may be supplied as a JSON object.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		var spec *automation.Spec
		switch {
		case runFile != "":
			spec, err = loadSpecFile(runFile)
		case len(args) == 1:
			spec, err = rt.store.GetAutomation(cmd.Context(), args[0], userID)
		default:
			return fmt.Errorf("supply an automation id or --file")
		}
		if err != nil {
			return err
		}

		var triggerData map[string]any
		if runTriggerData != "" {
			if err := json.Unmarshal([]byte(runTriggerData), &triggerData); err != nil {
				return fmt.Errorf("parse --trigger-data: %w", err)
			}
		}

		result := rt.exec.Execute(cmd.Context(), executor.Request{
			Actions:          spec.Actions,
			Variables:        spec.Variables,
			TriggerData:      triggerData,
			UserID:           userID,
			AutomationID:     spec.ID,
			AutomationName:   spec.Name,
			TimeoutPerAction: rt.cfg.GetActionTimeout(),
		})

		if spec.ID != "" {
			entry := map[string]any{
				"status":           string(result.Status),
				"success":          result.Success,
				"actions_executed": result.ActionsExecuted,
				"actions_failed":   result.ActionsFailed,
				"action_results":   result.ActionResults,
				"duration_ms":      result.DurationMS,
				"trigger_type":     string(automation.TriggerManual),
			}
			if result.ErrorSummary != "" {
				entry["error_summary"] = result.ErrorSummary
			}
			if _, err := rt.store.LogExecution(cmd.Context(), spec.ID, userID, entry); err != nil {
				logger.Warn("failed to log execution", zap.Error(err))
			}
			if result.Status == automation.StatusFailed {
				if err := rt.notifier.NotifyAutomationFailed(cmd.Context(), userID, spec.ID, spec.Name, result.ErrorSummary); err != nil {
					logger.Warn("failed to send failure notification", zap.Error(err))
				}
			}
		}

		return printJSON(result)
	},
}

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored automations",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		specs, err := rt.store.ListAutomations(cmd.Context(), userID, listStatus)
		if err != nil {
			return err
		}
		if len(specs) == 0 {
			fmt.Println("no automations")
			return nil
		}
		for _, spec := range specs {
			fmt.Printf("%s  %-14s %-9s %s\n", spec.ID, spec.TriggerType, spec.Status, spec.Name)
		}
		return nil
	},
}

var logsLimit int

var logsCmd = &cobra.Command{
	Use:   "logs <automation-id>",
	Short: "Show recent executions of an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		entries, err := rt.store.ListExecutions(cmd.Context(), args[0], logsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no executions")
			return nil
		}
		for _, entry := range entries {
			fmt.Printf("%s  %-20s %s\n",
				entry.ID, entry.Status, entry.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one polling sweep over due automations",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		p := poller.New(rt.store, rt.registry, rt.exec, rt.notifier, nil, logger)
		stats, err := p.RunOnce(cmd.Context(), poller.Options{
			BatchSize:     rt.cfg.Polling.BatchSize,
			Parallelism:   rt.cfg.Polling.Parallelism,
			ActionTimeout: rt.cfg.GetActionTimeout(),
		})
		if err != nil {
			return err
		}
		fmt.Printf("due=%d polled=%d triggered=%d errors=%d\n",
			stats.Due, stats.Polled, stats.Triggered, stats.PollErrors)
		return nil
	},
}

// usedTools returns the distinct tool names referenced by an action list, in
// first-use order.
func usedTools(actions []automation.Action) []string {
	seen := make(map[string]bool)
	var names []string
	for _, action := range actions {
		if action.Tool == "" || seen[action.Tool] {
			continue
		}
		seen[action.Tool] = true
		names = append(names, action.Tool)
	}
	return names
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "runbook.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "local", "acting user id")

	deployCmd.Flags().BoolVar(&deployActivate, "activate", false, "activate immediately, skipping review")
	runCmd.Flags().StringVar(&runTriggerData, "trigger-data", "", "trigger data as a JSON object")
	runCmd.Flags().StringVar(&runFile, "file", "", "run a definition file instead of a stored automation")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "maximum entries to show")

	rootCmd.AddCommand(validateCmd, deployCmd, confirmCmd, runCmd, listCmd, logsCmd, pollCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "error: "+strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
