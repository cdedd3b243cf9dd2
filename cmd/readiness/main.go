package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"readiness/internal/app"
	"readiness/internal/config"
	"readiness/internal/db"
	"readiness/internal/domain"
	"readiness/internal/engine"
	"readiness/internal/logger"
	"readiness/internal/observability"
	"readiness/internal/outbox"
	"readiness/internal/repo"
	"readiness/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Readiness workflow CLI",
	Long: `Readiness drives client remediation work through explicit state machines.
- Tasks move new -> in_progress -> completed, with blocked and cancelled on the side.
- Action plans move draft -> active -> archived; one plan per client is active at a time.
- Every transition writes an outbox event in the same transaction.
- The dispatcher reads the outbox and runs automation rules exactly once per event and rule.
- SLA windows start when a tracked task is created and close when it completes or is cancelled.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("READINESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/readiness.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default readiness.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			cfg.Alerts.Redis.Password = redact(cfg.Alerts.Redis.Password)
			for i := range cfg.Alerts.Webhooks {
				cfg.Alerts.Webhooks[i].Secret = redact(cfg.Alerts.Webhooks[i].Secret)
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are units of remediation work. They flow new -> in_progress -> completed and can be blocked or cancelled on the way.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due, deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			var err error
			if opts.DueAt, err = parseOptionalTime(due); err != nil {
				return fmt.Errorf("--due: %w", err)
			}
			if opts.SLADeadlineAt, err = parseOptionalTime(deadline); err != nil {
				return fmt.Errorf("--sla-deadline: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Workflow.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type")
	cmd.Flags().StringVar(&opts.ActionPlanID, "plan", "", "action plan id")
	cmd.Flags().StringVar(&opts.AssignedTo, "assignee", "", "assignee")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&due, "due", "", "due time (RFC3339)")
	cmd.Flags().StringVar(&deadline, "sla-deadline", "", "SLA deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Priority", "Assignee", "Plan"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.State, t.Priority, t.AssignedTo, t.ActionPlanID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "task type filter")
	cmd.Flags().StringVar(&f.ActionPlanID, "plan", "", "action plan filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage action plans",
		Long:  "Action plans group a client's tasks. Each new plan gets the next version for its client and may supersede an older one.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planGetCmd())
	plan.AddCommand(planListCmd())
	return plan
}

func planCreateCmd() *cobra.Command {
	var opts engine.ActionPlanCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft action plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Workflow.CreateActionPlan(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "plan id (generated if omitted)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.SupersedesID, "supersedes", "", "plan id this version replaces")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func planGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get action plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Repo.GetActionPlan(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func planListCmd() *cobra.Command {
	var clientID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a client's action plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				plans, err := rt.Repo.ListActionPlans(ctx, clientID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "State", "Supersedes", "Created By"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.Version, p.State, p.SupersedesID, p.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "transition",
		Short: "Validate or execute state transitions",
	}
	tr.AddCommand(transitionValidateCmd())
	tr.AddCommand(transitionExecuteCmd())
	return tr
}

func transitionValidateCmd() *cobra.Command {
	var entityType, current, target string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a transition without touching the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v := rt.Workflow.ValidateTransition(entityType, current, target)
				if v.Err != nil {
					return v.Err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", domain.EntityTask, "entity type (Task or ActionPlan)")
	cmd.Flags().StringVar(&current, "from", "", "current state")
	cmd.Flags().StringVar(&target, "to", "", "target state")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionExecuteCmd() *cobra.Command {
	var req engine.TransitionRequest
	var rawContext string
	cmd := &cobra.Command{
		Use:   "execute <id> <target-state>",
		Short: "Move an entity to a new state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.EntityID = args[0]
			req.TargetState = args[1]
			req.ActorID = viper.GetString("actor-id")
			if rawContext != "" {
				if err := json.Unmarshal([]byte(rawContext), &req.Context); err != nil {
					return fmt.Errorf("--context must be a JSON object: %w", err)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Workflow.ExecuteTransition(ctx, req)
				if err != nil {
					return err
				}
				if !res.Applied {
					if viper.GetBool("json") {
						_ = printJSON(res)
					}
					return fmt.Errorf("transition rejected: %s", strings.Join(res.Reasons, "; "))
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.EntityType, "entity-type", domain.EntityTask, "entity type (Task or ActionPlan)")
	cmd.Flags().StringVar(&rawContext, "context", "", "JSON object recorded with the event")
	return cmd
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sla",
		Short: "Manage SLA tracking",
		Long:  "SLA windows are measured in minutes. A task breaches when its elapsed time is strictly greater than the target for its type.",
	}
	s.AddCommand(slaStartCmd())
	s.AddCommand(slaCompleteCmd())
	s.AddCommand(slaRecordsCmd())
	s.AddCommand(slaTargetsCmd())
	s.AddCommand(slaImportCmd())
	return s
}

func slaStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Open an SLA window for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				rec, err := rt.Workflow.SLA.StartTracking(ctx, t.ID, t.Type)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Printf("no SLA started for %s (untracked type or window already open)\n", t.ID)
					return nil
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func slaCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Close the open SLA window of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Workflow.SLA.CompleteTracking(ctx, id)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Printf("no open SLA window for %s\n", id)
					return nil
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func slaRecordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records <task-id>",
		Short: "List SLA records of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				recs, err := rt.Workflow.SLA.Records(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target (min)", "Started", "Stopped", "Actual (min)", "Breached"})
				for _, r := range recs {
					stopped, actual := "", ""
					if r.StoppedAt != nil {
						stopped = r.StoppedAt.Format(time.RFC3339)
					}
					if r.ActualMinutes != nil {
						actual = fmt.Sprintf("%.1f", *r.ActualMinutes)
					}
					tw.AppendRow(table.Row{r.ID, r.TargetMinutes, r.StartedAt.Format(time.RFC3339), stopped, actual, r.Breached})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func slaTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List SLA targets per task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfgs, err := rt.Repo.ListSLAConfigs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task Type", "Target (min)"})
				for _, c := range cfgs {
					tw.AppendRow(table.Row{c.TaskType, c.TargetMinutes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func slaImportCmd() *cobra.Command {
	var targets map[string]int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Set SLA targets, e.g. --target intake=1440",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(targets) == 0 {
				return fmt.Errorf("--target required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Workflow.SLA.ImportTargets(ctx, targets); err != nil {
					return err
				}
				fmt.Printf("imported %d SLA targets\n", len(targets))
				return nil
			})
		},
	}
	cmd.Flags().StringToIntVar(&targets, "target", nil, "task_type=minutes (repeatable)")
	return cmd
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Inspect outbox events"}
	ob.AddCommand(outboxListCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	var f outbox.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Outbox.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Aggregate", "Created", "Processed", "Attempts", "Last Error"})
				for _, e := range events {
					processed := ""
					if e.ProcessedAt != nil {
						processed = e.ProcessedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{
						e.ID, e.EventType, e.AggregateType + "/" + e.AggregateID,
						e.CreatedAt.Format(time.RFC3339), processed, e.Attempts, e.LastError,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AggregateID, "aggregate-id", "", "aggregate filter")
	cmd.Flags().StringVar(&f.EventType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&f.PendingOnly, "pending", false, "only unprocessed events")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show workflow statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Stats.GetWorkflowStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				for _, k := range sortedKeys(st.TasksByState) {
					tw.AppendRow(table.Row{"tasks." + k, st.TasksByState[k]})
				}
				for _, k := range sortedKeys(st.ActionPlansByState) {
					tw.AppendRow(table.Row{"action_plans." + k, st.ActionPlansByState[k]})
				}
				tw.AppendSeparator()
				tw.AppendRow(table.Row{"sla.breaches", st.SLABreaches})
				tw.AppendRow(table.Row{"sla.active", st.ActiveSLARecords})
				tw.AppendRow(table.Row{"outbox.unprocessed", st.UnprocessedEvents})
				tw.AppendRow(table.Row{"outbox.failing", st.FailingEvents})
				tw.Render()
				return nil
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the automation dispatcher",
		Long:  "Reads unprocessed outbox events and runs the configured automation rules. With --once, drains what is pending and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Dispatcher(nil)
				if err != nil {
					return err
				}
				if !once {
					return d.Run(ctx)
				}
				total := 0
				for {
					n, err := d.DrainOnce(ctx, "cli")
					if err != nil {
						return err
					}
					if n == 0 {
						break
					}
					total += n
				}
				fmt.Printf("dispatched %d events\n", total)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain pending events and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret, Logger: rt.Logger}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("READINESS_JWT_SECRET is required for bearer auth")
				}

				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				reg.MustRegister(observability.NewStatsCollector(rt.Stats, rt.Logger))
				metrics := observability.NewDispatchMetrics(reg)

				handler, err := server.New(server.Config{
					Workflow: rt.Workflow,
					Stats:    rt.Stats,
					Outbox:   rt.Outbox,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}

				g, gctx := errgroup.WithContext(ctx)
				srv := &http.Server{Addr: addr, Handler: handler}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					rt.Logger.Info("serving readiness api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if !noDispatch {
					d, err := rt.Dispatcher(metrics)
					if err != nil {
						return err
					}
					g.Go(func() error { return d.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "serve the API without running the dispatcher")
	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"), viper.GetString("config"))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	rt, err := app.Open(ctx, cfg, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
