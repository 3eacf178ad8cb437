package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadline/internal/config"
	"leadline/internal/controller"
	"leadline/internal/db"
	"leadline/internal/discovery"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/health"
	"leadline/internal/migrate"
	"leadline/internal/outreach"
	"leadline/internal/quota"
	"leadline/internal/repo"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline runs a supervised cold-outreach agent: it discovers local
businesses, analyzes their web presence, holds every lead for human review,
and only contacts the ones an operator approved, under strict daily and
hourly send quotas, with a full audit trail.

The agent never sends anything a human did not approve, and every state
change (agent, lead, email) is logged and queryable with 'll log'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- agent commands ---

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Control the outreach agent"}
	agent.AddCommand(agentStatusCmd())
	agent.AddCommand(agentDiscoverCmd())
	agent.AddCommand(agentOutreachCmd())
	agent.AddCommand(agentStopCmd())
	agent.AddCommand(agentResetCmd())
	return agent
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, ctrl *controller.Controller, _ engine.Engine) error {
				status, err := ctrl.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
}

func agentDiscoverCmd() *cobra.Command {
	var query, location string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run a discovery pass in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, ctrl *controller.Controller, e engine.Engine) error {
				provider := discovery.SyntheticProvider{Count: e.Config.Discovery.MaxResults}
				analyzer := discovery.StubAnalyzer{Fallback: &engine.Analysis{Tag: "unknown", Confidence: "low"}}
				task := controller.NewDiscoveryTask(e, provider, analyzer, e.Config, query, location)
				if _, err := ctrl.StartDiscovery(ctx, query, location, viper.GetString("actor-id"), task); err != nil {
					return err
				}
				ctrl.Wait()
				status, err := ctrl.Status(ctx)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountLeadsByLifecycle(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"agent": status, "lead_counts": counts})
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "business category to search for")
	cmd.Flags().StringVar(&location, "location", "", "target location")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func agentOutreachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outreach",
		Short: "Run an outreach pass in the foreground (dry-run transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, ctrl *controller.Controller, e engine.Engine) error {
				sender := &outreach.RecordingSender{}
				sched := outreach.NewScheduler(e, quota.New(e.Repo, e.Config), sender, e.Config)
				if _, err := ctrl.StartOutreach(ctx, viper.GetString("actor-id"), controller.NewOutreachTask(sched)); err != nil {
					return err
				}
				ctrl.Wait()
				return printJSONOrTable(map[string]any{"delivered": sender.Sent()})
			})
		},
	}
}

func agentStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, ctrl *controller.Controller, _ engine.Engine) error {
				status, err := ctrl.Stop(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
}

func agentResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the agent from the error state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), func(ctx context.Context, ctrl *controller.Controller, _ engine.Engine) error {
				status, err := ctrl.Reset(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
}

// --- lead commands ---

func leadCmd() *cobra.Command {
	lead := &cobra.Command{Use: "lead", Short: "Review and manage leads"}
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadShowCmd())
	lead.AddCommand(leadReviewCmd("approve", "Approve leads for outreach", func(e engine.Engine) func(context.Context, []string, string) []engine.BulkResult {
		return e.BulkApprove
	}))
	lead.AddCommand(leadReviewCmd("reject", "Reject leads", func(e engine.Engine) func(context.Context, []string, string) []engine.BulkResult {
		return e.BulkReject
	}))
	lead.AddCommand(leadArchiveCmd())
	return lead
}

func leadListCmd() *cobra.Command {
	var f repo.LeadFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				leads, err := e.Repo.ListLeads(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(leads)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Business", "Location", "Email", "Tag", "Lifecycle", "Review", "Outreach"})
				for _, l := range leads {
					tw.AppendRow(table.Row{l.ID, l.BusinessName, l.Location, l.Email, l.Tag, l.LifecycleState, l.ReviewStatus, l.OutreachStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LifecycleState, "lifecycle", "", "lifecycle state filter")
	cmd.Flags().StringVar(&f.ReviewStatus, "review", "", "review status filter")
	cmd.Flags().StringVar(&f.OutreachStatus, "outreach", "", "outreach status filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived leads")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func leadShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a lead with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetLead(ctx, args[0])
				if err != nil {
					return err
				}
				msgs, err := e.Repo.ListMessagesForLead(ctx, l.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"lead": l, "messages": msgs})
			})
		},
	}
	return cmd
}

func leadReviewCmd(action, short string, pick func(engine.Engine) func(context.Context, []string, string) []engine.BulkResult) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id> [id...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results := pick(e)(ctx, args, viper.GetString("actor-id"))
				return printJSONOrTable(results)
			})
		},
	}
}

func leadArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a rejected or failed lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Archive(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

// --- log commands ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit and control logs",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logControlCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListAuditLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Entity", "ID", "Module", "Action", "Result"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.EntityType, e.EntityID, e.Module, e.Action, e.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity", "", "entity type (lead, email, system)")
	cmd.Flags().StringVar(&f.EntityID, "id", "", "entity id")
	cmd.Flags().StringVar(&f.Module, "module", "", "module filter")
	cmd.Flags().StringVar(&f.Result, "result", "", "result filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func logControlCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Show agent control log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListControlLog(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Command", "From", "To", "By", "Result"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.Command, e.PreviousState, e.NewState, e.ControlledBy, e.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

// --- quota / health ---

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show remaining send quota for today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tracker := quota.New(e.Repo, e.Config)
				left, err := tracker.Remaining(ctx, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"daily_limit": e.Config.Outreach.DailyLimit,
					"remaining":   left,
				})
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show agent health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.EnsureAgentState(ctx, time.Now()); err != nil {
					return err
				}
				monitor := health.New(e.Repo, e.Audit, e.Config)
				rep, err := monitor.Check(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

// --- config / api keys ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage leadline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default leadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// the secret is shown once and never stored in clear
				fmt.Printf("api key id: %s\nsecret: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("LEADLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("LEADLINE_JWT_SECRET is required")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   viper.GetString("actor-id"),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.Repo.EnsureAgentState(cmd.Context(), time.Now()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("LEADLINE_JWT_SECRET"),
				WebhookSecret: os.Getenv("LEADLINE_WEBHOOK_SECRET"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LEADLINE_JWT_SECRET is required for bearer auth")
			}
			ctrl := controller.New(conn, cfg)
			sched := outreach.NewScheduler(e, quota.New(e.Repo, cfg), &outreach.RecordingSender{}, cfg)
			handler, err := server.New(server.Config{
				Engine:     e,
				Controller: ctrl,
				Scheduler:  sched,
				Health:     health.New(e.Repo, e.Audit, cfg),
				Provider:   discovery.SyntheticProvider{Count: cfg.Discovery.MaxResults},
				Analyzer:   discovery.StubAnalyzer{Fallback: &engine.Analysis{Tag: "unknown", Confidence: "low"}},
				BasePath:   basePath,
				Auth:       authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withController(ctx context.Context, fn func(context.Context, *controller.Controller, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, controller.New(conn, cfg), e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
