package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentledger/internal/app"
	"agentledger/internal/config"
	"agentledger/internal/db"
	"agentledger/internal/domain"
	"agentledger/internal/engine"
	"agentledger/internal/logging"
	"agentledger/internal/orchestrator"
	"agentledger/internal/repo"
	"agentledger/internal/server"
	"agentledger/internal/settings"
	"agentledger/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "AgentLedger CLI",
	Long: `AgentLedger books incoming supplier invoices with a team of agents.
Core concepts:
- Event log: every state change is an event; the orchestrator turns unprocessed events into tasks.
- Task queue: parser, bookkeeper and learner workers claim tasks one at a time and retry failures.
- Routing: bookings with confidence >= 85 are posted; the rest wait in the review queue by priority.
- Review queue: accountants approve, correct or reject proposed bookings.
- Patterns: corrections teach vendor and keyword mappings that raise confidence next time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "settings file (default <workspace>/.agentledger/settings.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on review decisions")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (required when the workspace holds several)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(bookingCmd())
	rootCmd.AddCommand(patternCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(healthCmd())
}

// --- runtime ---

func loadSettings() (*settings.Settings, error) {
	workspace := viper.GetString("workspace")
	path := viper.GetString("config")
	if path == "" {
		path = settings.Path(workspace)
	}
	s, err := settings.Load(path)
	if err != nil {
		return nil, err
	}
	s.Workspace = workspace
	return s, nil
}

type runtime struct {
	settings *settings.Settings
	engine   engine.Engine
	logger   *logging.Logger
}

func withRuntime(ctx context.Context, fn func(context.Context, runtime) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(&s.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	e, conn, err := app.OpenEngine(ctx, s)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, runtime{settings: s, engine: e, logger: logger})
}

// withTenant runs fn against the resolved tenant.
func withTenant(ctx context.Context, fn func(context.Context, runtime, string) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt runtime) error {
		tenantID, _, err := app.ResolveTenant(ctx, rt.engine, viper.GetString("tenant"))
		if err != nil {
			return err
		}
		return fn(logging.WithTenant(ctx, tenantID), rt, tenantID)
	})
}

func newOrchestrator(rt runtime) *orchestrator.Orchestrator {
	return orchestrator.New(rt.engine,
		orchestrator.WithInterval(rt.settings.Orchestrator.Interval.Duration()),
		orchestrator.WithBatchSize(rt.settings.Orchestrator.BatchSize),
		orchestrator.WithLogger(rt.logger.Named("orchestrator")),
	)
}

func newPool(rt runtime) (*worker.Pool, error) {
	caps, err := app.Capabilities(rt.settings)
	if err != nil {
		return nil, err
	}
	w := rt.settings.Worker
	return worker.NewPool(rt.engine, worker.PoolConfig{
		Parsers:     w.Parsers,
		Bookkeepers: w.Bookkeepers,
		Learners:    w.Learners,
	}, caps,
		worker.WithInterval(w.Interval.Duration()),
		worker.WithRetryBackoff(w.RetryBackoff.Duration()),
		worker.WithLogger(rt.logger.Named("worker")),
	)
}

// --- long-running commands ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var apiOnly, headerIdentity bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the orchestrator, workers and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				if addr == "" {
					addr = rt.settings.Server.Addr
				}
				if basePath == "" {
					basePath = rt.settings.Server.BasePath
				}
				secret := rt.settings.Server.JWTSecret.Value()
				if secret == "" && !headerIdentity {
					return fmt.Errorf("server.jwt_secret (AGENTLEDGER_SERVER_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:           secret,
						AllowHeaderIdentity: headerIdentity,
						Logger:              rt.logger,
					},
					Health: app.HealthThresholds(rt.settings),
					Logger: rt.logger.Named("http"),
				})
				if err != nil {
					return err
				}
				var pool *worker.Pool
				if !apiOnly {
					if pool, err = newPool(rt); err != nil {
						return err
					}
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.logger.Info(gctx, "serving api", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					return server.NewWebhookDispatcher(rt.engine, rt.logger, 0).Run(gctx)
				})
				if pool != nil {
					g.Go(func() error { return newOrchestrator(rt).Run(gctx) })
					g.Go(func() error { return pool.Run(gctx) })
				}
				fmt.Printf("Serving AgentLedger API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "serve the API without running the orchestrator and workers")
	cmd.Flags().BoolVar(&headerIdentity, "trust-identity-headers", false, "accept X-Actor-Id/X-Tenant-Id without credentials (development only)")
	return cmd
}

func orchestrateCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Turn unprocessed events into tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				o := newOrchestrator(rt)
				if !once {
					return o.Run(ctx)
				}
				res, err := o.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("polled=%d processed=%d skipped=%d\n", res.Polled, res.Processed, res.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single polling cycle")
	return cmd
}

func workCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run parser, bookkeeper and learner workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				pool, err := newPool(rt)
				if err != nil {
					return err
				}
				if !once {
					return pool.Run(ctx)
				}
				n, err := pool.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("handled %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue once and exit")
	return cmd
}

// --- events ---

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Inspect and publish events"}
	cmd.AddCommand(eventPublishCmd())
	cmd.AddCommand(eventListCmd())
	return cmd
}

func eventPublishCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "publish <invoice-id>",
		Short: "Record a received invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				evt, err := rt.engine.PublishEvent(ctx, tenantID, domain.EventInvoiceReceived, domain.InvoiceReceivedPayload{
					InvoiceID: strings.TrimSpace(args[0]),
					Path:      path,
				})
				if err != nil {
					return err
				}
				return printJSON(evt)
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "document path relative to the tenant inbox folder")
	return cmd
}

func eventListCmd() *cobra.Command {
	var evtType string
	var limit int
	var unprocessed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				f := repo.EventFilters{TenantID: tenantID, Type: evtType, Limit: limit}
				if unprocessed {
					no := false
					f.Processed = &no
				}
				items, err := rt.engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "Processed", "Created", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Type, e.Processed, e.CreatedAt, string(e.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.Flags().BoolVar(&unprocessed, "unprocessed", false, "only events the orchestrator has not handled")
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect and recover tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskRequeueCmd())
	cmd.AddCommand(taskResetStuckCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				f.TenantID = tenantID
				tasks, err := rt.engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Agent", "Type", "Status", "Priority", "Retries", "Error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.AgentType, t.TaskType, t.Status, t.Priority,
						fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries), t.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentType, "agent", "", "agent type filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of tasks")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				t, err := rt.engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Put a failed task back in the queue with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				t, err := rt.engine.RequeueTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskResetStuckCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Return in-progress tasks abandoned by crashed workers to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				ids, err := rt.engine.ResetStuckTasks(ctx, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ids)
				}
				fmt.Printf("reset %d task(s)\n", len(ids))
				for _, id := range ids {
					fmt.Println(" ", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "minimum time since the task was claimed")
	return cmd
}

// --- reviews and bookings ---

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Work the review queue"}
	cmd.AddCommand(reviewListCmd())
	cmd.AddCommand(reviewShowCmd())
	cmd.AddCommand(reviewApproveCmd())
	cmd.AddCommand(reviewCorrectCmd())
	cmd.AddCommand(reviewRejectCmd())
	return cmd
}

func reviewListCmd() *cobra.Command {
	var f repo.ReviewFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review items, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				f.TenantID = tenantID
				items, err := rt.engine.ListReviewItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Priority", "Confidence", "Status", "Booking", "Reasoning"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Priority, it.AIConfidence, it.Status, it.BookingID, it.AIReasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "pending", "status filter (empty for all)")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of items")
	return cmd
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show a review item with its proposed booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				it, err := rt.engine.GetReviewItem(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				b, err := rt.engine.GetBooking(ctx, tenantID, it.BookingID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"review": it, "booking": b})
				}
				fmt.Printf("Review %s (%s, %s)\n", it.ID, it.Priority, it.Status)
				fmt.Printf("Invoice %s from %s, confidence %d\n", b.InvoiceID, b.VendorID, it.AIConfidence)
				if it.AIReasoning != "" {
					fmt.Printf("Reasoning: %s\n", it.AIReasoning)
				}
				printEntry(b.Entry)
				return nil
			})
		},
	}
}

func reviewApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <review-id>",
		Short: "Post the booking as proposed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				it, err := rt.engine.ApproveReview(ctx, tenantID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func reviewCorrectCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "correct <review-id>",
		Short: "Post the booking on a different expense account and teach the learner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				c, err := rt.engine.CorrectReview(ctx, tenantID, args[0], engine.CorrectionInput{
					Account:   account,
					CreatedBy: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "corrected expense account")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func reviewRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <review-id>",
		Short: "Reject the booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				it, err := rt.engine.RejectReview(ctx, tenantID, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the rejection event")
	return cmd
}

func bookingCmd() *cobra.Command {
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				items, err := rt.engine.ListBookings(ctx, tenantID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Invoice", "Vendor", "Account", "Confidence", "Status"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.InvoiceID, b.VendorID, b.Entry.PrimaryAccount(), b.Confidence, b.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "limit", 50, "number of bookings")
	cmd := &cobra.Command{Use: "booking", Short: "Inspect bookings"}
	cmd.AddCommand(list)
	return cmd
}

// --- patterns ---

func patternCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pattern", Short: "Inspect learned patterns"}
	cmd.AddCommand(patternListCmd())
	cmd.AddCommand(patternToggleCmd("activate", true))
	cmd.AddCommand(patternToggleCmd("deactivate", false))
	return cmd
}

func patternListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				items, err := rt.engine.ListPatterns(ctx, tenantID, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "Key", "Account", "Success", "Applied", "Active"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, p.Key, p.SuggestedAccount, fmt.Sprintf("%.2f", p.SuccessRate), p.TimesApplied, p.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active patterns")
	return cmd
}

func patternToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pattern-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				p, err := rt.engine.SetPatternActive(ctx, tenantID, args[0], active)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Show or replace the tenant automation policy"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				cfg, err := rt.engine.Policy(ctx, nil, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := cfg.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <file.yaml>",
		Short: "Validate and store a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				if cfg.Tenant.ID != "" && cfg.Tenant.ID != tenantID {
					return fmt.Errorf("policy file is for tenant %s, not %s", cfg.Tenant.ID, tenantID)
				}
				cfg.Tenant.ID = tenantID
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := rt.engine.SetPolicy(ctx, tenantID, cfg); err != nil {
					return err
				}
				fmt.Printf("policy for %s updated\n", tenantID)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default policy template",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := viper.GetString("tenant")
			if tenantID == "" {
				tenantID = "my-tenant"
			}
			fmt.Print(config.GenerateDefault(tenantID))
			return nil
		},
	})
	return cmd
}

// --- credentials ---

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for invoice gateways"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				key := "al_" + hex.EncodeToString(buf)
				rec := domain.APIKey{
					ID:       uuid.NewString(),
					TenantID: tenantID,
					Name:     name,
					KeyHash:  repo.HashAPIKey(key),
				}
				if err := rt.engine.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": rec.ID, "tenant_id": tenantID, "name": name, "key": key})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label, recorded as the actor on decisions made with the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, rt runtime, tenantID string) error {
				keys, err := rt.engine.Repo.ListAPIKeys(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				return rt.engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			tenantID := viper.GetString("tenant")
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			tok, err := server.SignToken(s.Server.JWTSecret.Value(), viper.GetString("actor-id"), tenantID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{server.RoleReviewer}, "roles: admin, operator, reviewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func healthCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt runtime) error {
				tenantID := ""
				if !all {
					tenantID = viper.GetString("tenant")
				}
				rep, err := rt.engine.Health(ctx, tenantID, app.HealthThresholds(rt.settings))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Status: %s\n", rep.Status)
				fmt.Printf("Unprocessed events: %d\n", rep.UnprocessedEvents)
				fmt.Printf("Failed tasks: %d\n", rep.FailedTasks)
				fmt.Println("Tasks:")
				for status, c := range rep.Tasks {
					fmt.Printf("  %s: %d\n", status, c)
				}
				if rep.Status == engine.Unhealthy {
					return fmt.Errorf("system unhealthy")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "report across all tenants even when --tenant is set")
	return cmd
}

// --- helpers ---

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printEntry(e domain.Entry) {
	tw := newTable(table.Row{"Account", "Debit", "Credit", "Description"})
	for _, p := range e.Postings {
		tw.AppendRow(table.Row{p.Account, formatOre(p.Debit), formatOre(p.Credit), p.Description})
	}
	tw.Render()
}

func formatOre(v int64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d.%02d", v/100, v%100)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
