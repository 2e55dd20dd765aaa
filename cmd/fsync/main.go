package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldsync/internal/app"
	"fieldsync/internal/config"
	"fieldsync/internal/db"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine/auth"
	"fieldsync/internal/migrate"
	"fieldsync/internal/repo"
	"fieldsync/internal/server"
	fieldsyncsdk "fieldsync/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fsync",
	Short: "Fieldsync server and operator CLI",
	Long: `Fieldsync accepts batches of offline mutations from field devices, applies them
in priority order and reports back the server changes each device missed.
- Workspace: the .fieldsync directory holding the SQLite database, next to fieldsync.yml.
- Operation: one pushed item, tracked PENDING -> PROCESSING -> SYNCED | FAILED | CONFLICT.
- Priority: derived from the entity type; safety records are applied first.
- Retry: FAILED operations are retried explicitly (ops retry, ops retry-due), never inside a sync.
- Sweeper: resets operations stuck in PROCESSING after a crash.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

// operator is the principal CLI commands act as; local database access is
// already full access.
var operator = auth.Principal{UserID: "cli", Roles: []string{auth.RoleOperator}, Source: "cli"}

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
	viper.SetEnvPrefix("FIELDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(opsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(changesCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(pushCmd())
}

// bindFlags binds command-local flags at run time; several commands share a key.
func bindFlags(names ...string) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		for _, name := range names {
			_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
		}
	}
}

// loadConfig reads fieldsync.yml and applies env/flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("base-path"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the sync API, runs the stale-claim sweeper and forwards events to configured webhooks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cfg := a.Config
				if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowUserHeader {
					a.Logger.Warn("no jwt secret configured; only API keys will authenticate")
				}
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					BasePath:    cfg.Server.BasePath,
					Logger:      a.Logger,
					CORSOrigins: cfg.Server.CORSOrigins,
					Compress:    cfg.Server.Compress,
					Auth: server.AuthConfig{
						JWTSecret:       cfg.Auth.JWTSecret,
						AllowUserHeader: cfg.Auth.AllowUserHeader,
					},
				})
				if err != nil {
					return err
				}
				if cfg.Sweeper.Enabled {
					go a.Engine.RunSweeper(ctx, cfg.Sweeper.Interval)
				}
				server.StartWebhookDispatcher(ctx, a.Engine, a.Logger)

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving fieldsync api",
					"addr", cfg.Server.Addr,
					"base_path", cfg.Server.BasePath,
					"routes", a.Engine.Handlers.Routes(),
				)
				fmt.Printf("Serving Fieldsync API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (prefer FIELDSYNC_JWT_SECRET)")
	cmd.PreRun = bindFlags("addr", "base-path", "jwt-secret")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			applied, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(applied)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Version", "Name", "Applied At"})
			for _, m := range applied {
				tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage fieldsync.yml",
		Long:  "fieldsync.yml lives in the workspace and tunes dispatch, retries, the sweeper, the entity journal and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fieldsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			for i := range cfg.Webhooks {
				if cfg.Webhooks[i].Secret != "" {
					cfg.Webhooks[i].Secret = "********"
				}
			}
			return printJSON(cfg)
		},
	}
}

func opsCmd() *cobra.Command {
	ops := &cobra.Command{
		Use:   "ops",
		Short: "Inspect and retry pending operations",
	}
	ops.AddCommand(opsListCmd())
	ops.AddCommand(opsShowCmd())
	ops.AddCommand(opsRetryCmd())
	ops.AddCommand(opsRetryDueCmd())
	return ops
}

func opsListCmd() *cobra.Command {
	var (
		f      repo.OperationFilters
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if status != "" {
					st, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					f.Status = st
				}
				items, err := a.Engine.Repo.ListOperations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printOperations(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.DeviceID, "device", "", "device filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (PENDING, PROCESSING, SYNCED, FAILED, CONFLICT)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().Int64Var(&f.BeforeSeq, "before", 0, "only operations with seq below this value")
	return cmd
}

func printOperations(items []domain.PendingOperation) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "ID", "User", "Device", "Entity", "Action", "Priority", "Status", "Attempts", "Error"})
	for _, op := range items {
		entity := op.EntityType
		if op.EntityID != "" {
			entity += "/" + op.EntityID
		}
		tw.AppendRow(table.Row{op.Seq, op.ID, op.UserID, op.DeviceID, entity, op.Action.Wire(), op.Priority, op.Status, op.Attempts, truncate(op.Error, 48)})
	}
	tw.Render()
}

func opsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				op, err := a.Engine.Operation(ctx, operator, args[0])
				if err != nil {
					return err
				}
				return printJSON(op)
			})
		},
	}
}

func opsRetryCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a FAILED operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				op, err := a.Engine.Retry(ctx, operator, args[0], force)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(op)
				}
				fmt.Printf("%s: %s (attempt %d)\n", op.ID, op.Status, op.Attempts)
				if op.Error != "" {
					fmt.Println("  error:", op.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore nextRetryAt")
	return cmd
}

func opsRetryDueCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retry-due",
		Short: "Retry every FAILED operation whose backoff has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.RetryDue(ctx, limit)
				if viper.GetBool("json") {
					if perr := printJSON(items); perr != nil {
						return perr
					}
					return err
				}
				if len(items) > 0 {
					printOperations(items)
				} else {
					fmt.Println("Nothing due.")
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max operations to retry")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reset operations stuck in PROCESSING to FAILED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ids, err := a.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"reclaimed": nonNil(ids)})
				}
				fmt.Printf("Reclaimed %d operation(s)\n", len(ids))
				for _, id := range ids {
					fmt.Println("  " + id)
				}
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last sync run and operation counts for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.Status(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("User: %s\n", st.UserID)
				if r := st.LastRun; r != nil {
					fmt.Printf("Last sync: %s from %s (%d items: %d synced, %d failed, %d conflicts, %d changes)\n",
						r.SyncTimestamp.Format(time.RFC3339), r.DeviceID, r.Items, r.Synced, r.Failed, r.Conflicts, r.Changes)
				} else {
					fmt.Println("Last sync: never")
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Operations"})
				for _, s := range domain.Statuses() {
					tw.AppendRow(table.Row{s, st.Operations[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func changesCmd() *cobra.Command {
	var userID, deviceID, since string
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Show the server changes a device would receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			var sinceTS *time.Time
			if since != "" {
				ts, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				sinceTS = &ts
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				changes, err := a.Engine.ServerChanges(ctx, userID, deviceID, sinceTS)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(changes))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Occurred At", "Entity", "ID", "Action", "Data"})
				for _, c := range changes {
					data, _ := json.Marshal(c.Data)
					tw.AppendRow(table.Row{c.OccurredAt.Format(time.RFC3339), c.EntityType, c.EntityID, c.Action, truncate(string(data), 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&deviceID, "device", "", "exclude changes made by this device")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 timestamp or a duration like 1h (omitted returns nothing)")
	return cmd
}

// parseSince accepts an RFC 3339 timestamp or a duration relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 or a duration", s)
	}
	return now.Add(-d), nil
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for devices and service accounts",
	}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var userID, deviceID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user, optionally pinned to one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				key, secret, err := a.Engine.Repo.IssueAPIKey(ctx, userID, deviceID, name, a.Engine.CurrentTime())
				if err != nil {
					return err
				}
				a.Logger.Info("api key issued", "key_id", key.ID, "user_id", key.UserID, "device_id", key.DeviceID)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				scope := "any device"
				if key.DeviceID != "" {
					scope = "device " + key.DeviceID
				}
				fmt.Printf("API key %s for %s (%s)\n%s\nStore it now; only its hash is kept.\n", key.ID, key.UserID, scope, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the key authenticates as")
	cmd.Flags().StringVar(&deviceID, "device", "", "only allow syncing as this device")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var f repo.APIKeyFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(keys))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Prefix", "User", "Device", "Name", "Created At", "Last Used", "Revoked"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Prefix, k.UserID, k.DeviceID, k.Name, k.CreatedAt.Format(time.RFC3339), formatOptionalTime(k.LastUsedAt), formatOptionalTime(k.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.DeviceID, "device", "", "device filter")
	cmd.Flags().BoolVar(&f.IncludeRevoked, "all", false, "include revoked keys")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <id>",
		Aliases: []string{"delete"},
		Short:   "Revoke an API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.Repo.RevokeAPIKey(ctx, args[0], a.Engine.CurrentTime()); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("api key %s not found or already revoked", args[0])
					}
					return err
				}
				fmt.Println("Revoked", args[0])
				return nil
			})
		},
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Auth.JWTSecret, userID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable), e.g. operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (prefer FIELDSYNC_JWT_SECRET)")
	cmd.PreRun = bindFlags("jwt-secret")
	return cmd
}

func pushCmd() *cobra.Command {
	var (
		serverURL, basePath, token, apiKey, deviceID, since, file string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a JSON array of items to a running server",
		Long:  "Reads sync items (entityType, entityId, action, data, localId, timestamp) from --file or stdin and posts them as one batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var items []fieldsyncsdk.Item
			if err := json.NewDecoder(in).Decode(&items); err != nil {
				return fmt.Errorf("decode items: %w", err)
			}
			var sinceTS *time.Time
			if since != "" {
				ts, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				sinceTS = &ts
			}
			client := fieldsyncsdk.New(serverURL)
			client.BasePath = basePath
			client.BearerToken = token
			client.APIKey = apiKey
			resp, err := client.Sync(cmd.Context(), deviceID, items, sinceTS)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Local ID", "Status", "Server ID", "Error"})
			for _, r := range resp.Synced {
				tw.AppendRow(table.Row{r.LocalID, r.Status, r.ServerID, truncate(r.Error, 60)})
			}
			tw.Render()
			fmt.Printf("%d server change(s); next lastSyncTimestamp %s\n", len(resp.ServerChanges), resp.SyncTimestamp.Format(time.RFC3339Nano))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&token, "token", os.Getenv("FIELDSYNC_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("FIELDSYNC_API_KEY"), "API key")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	cmd.Flags().StringVar(&since, "since", "", "lastSyncTimestamp (RFC 3339 or duration)")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "items file, - for stdin")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
