package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"roomops/internal/app"
	"roomops/internal/artifacts"
	"roomops/internal/config"
	"roomops/internal/db"
	"roomops/internal/domain"
	"roomops/internal/engine"
	"roomops/internal/migrate"
	"roomops/internal/repo"
	"roomops/internal/server"
	"roomops/internal/spec"
	roomopssdk "roomops/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "roomops",
	Short: "Room reconciliation operator",
	Long: `roomops keeps a room in a runtime matching a declarative RoomSpec.
- RoomSpec: YAML naming the entities, seeded artifacts and policies a room should have.
- Cycle: PLANNING computes a diff, PRE_CHECKS runs guardrails, APPLY mutates, VERIFY re-reads state.
- Guardrails: limits on kicks, deletions and artifact counts; destructive plans need --confirm.
- Audit: every phase and mutation is recorded under the apply call's correlation id.
- Serve: 'roomops serve' runs the HTTP API; apply/plan/status/audit talk to it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROOMOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "directory holding roomops.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "operator API URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the operator API")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(specCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var memoryRuntime bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if memoryRuntime {
				cfg.Runtime.Memory = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := app.NewLogger(cfg.Log, nil)
			a, err := app.Build(ctx, cfg, app.Options{Logger: logger})
			if err != nil {
				return err
			}
			a.Start(ctx)
			handler, err := a.Handler()
			if err != nil {
				_ = a.Close(context.Background())
				return err
			}
			if cfg.Server.JWTSecret == "" {
				logger.Warn("ROOMOPS_JWT_SECRET not set; API is unauthenticated")
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving roomops API",
				"addr", cfg.Server.Addr,
				"base_path", cfg.Server.BasePath,
				"memory_runtime", cfg.Runtime.Memory,
				"openapi", cfg.Server.BasePath+"/openapi.json",
				"docs", "/docs")
			serveErr := srv.ListenAndServe()
			if errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return errors.Join(serveErr, a.Close(closeCtx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&memoryRuntime, "memory-runtime", false, "use an in-process room runtime")
	return cmd
}

func applyCmd() *cobra.Command {
	var dryRun, confirm, local bool
	cmd := &cobra.Command{
		Use:   "apply <spec.yaml>",
		Short: "Reconcile a room to a spec",
		Long:  "Runs a full cycle against the operator API. With --local the cycle runs in this process against the configured runtime.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			res, err := reconcile(cmd.Context(), s, dryRun, confirm, local)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after PRE_CHECKS")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge destructive changes")
	cmd.Flags().BoolVar(&local, "local", false, "run the cycle in-process instead of via the API")
	return cmd
}

func planCmd() *cobra.Command {
	var confirm, local bool
	cmd := &cobra.Command{
		Use:   "plan <spec.yaml>",
		Short: "Show the diff and guardrail outcome without applying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			res, err := reconcile(cmd.Context(), s, true, confirm, local)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge destructive changes")
	cmd.Flags().BoolVar(&local, "local", false, "plan in-process instead of via the API")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [room-id]",
		Short: "Show operator or room status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if len(args) == 1 {
				st, err := c.RoomStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printRooms([]roomopssdk.RoomStatus{st})
				if st.PendingDiff != nil {
					printDiff(*st.PendingDiff)
				}
				return nil
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("Operator %s (%s), reconciling=%t, queued=%d\n", st.Version, st.Health, st.Reconciling, st.QueuedRequests)
			printRooms(st.Rooms)
			return nil
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(auditTailCmd())
	cmd.AddCommand(auditTraceCmd())
	cmd.AddCommand(auditWatchCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	var source string
	var local bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					entries, err := r.ListAuditEntries(ctx, n)
					if err != nil {
						return err
					}
					return printAudit(toSDKEntries(entries))
				})
			}
			list, err := newClient().Audit(cmd.Context(), n, source)
			if err != nil {
				return err
			}
			return printAudit(list.Items)
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&source, "source", "memory", "memory or db")
	cmd.Flags().BoolVar(&local, "local", false, "read the local state database")
	return cmd
}

func auditTraceCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "trace <correlation-id>",
		Short: "Show every entry of one apply call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					entries, err := r.AuditByCorrelation(ctx, args[0])
					if err != nil {
						return err
					}
					return printAudit(toSDKEntries(entries))
				})
			}
			list, err := newClient().Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAudit(list.Items)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read the local state database")
	return cmd
}

func auditWatchCmd() *cobra.Command {
	var replay int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream audit entries as they are recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			asJSON := viper.GetBool("json")
			enc := json.NewEncoder(os.Stdout)
			return newClient().Stream(ctx, replay, func(e roomopssdk.AuditEntry) error {
				if asJSON {
					return enc.Encode(e)
				}
				fmt.Printf("%s %-7s %-24s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Action, e.CorrelationID, compactJSON(e.Metadata))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&replay, "replay", -1, "entries to replay first (-1 uses the server default)")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded reconcile cycles",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var roomID string
	var limit int
	var local bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent cycles, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					runs, err := r.ListRuns(ctx, roomID, limit)
					if err != nil {
						return err
					}
					return printRuns(toSDKRuns(runs))
				})
			}
			runs, err := newClient().Runs(cmd.Context(), roomID, limit)
			if err != nil {
				return err
			}
			return printRuns(runs)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	cmd.Flags().BoolVar(&local, "local", false, "read the local state database")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Show one recorded cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient().Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	return cmd
}

func specCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Work with RoomSpec files",
	}
	cmd.AddCommand(specValidateCmd())
	cmd.AddCommand(specFingerprintCmd())
	return cmd
}

func specValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec.yaml>",
		Short: "Validate a RoomSpec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadSpec(args[0])
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				var verr *spec.ValidationError
				if errors.As(err, &verr) {
					out["problems"] = verr.Problems
				} else if err != nil {
					out["error"] = err.Error()
				}
				if perr := printJSON(out); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Println("spec OK")
			return nil
		},
	}
	return cmd
}

func specFingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint <spec.yaml>",
		Short: "Show the content fingerprint of each seeded artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			reader := artifacts.SeedReader{Dir: cfg.SeedDir}
			type row struct {
				Name        string `json:"name"`
				Path        string `json:"path"`
				Fingerprint string `json:"fingerprint,omitempty"`
				Error       string `json:"error,omitempty"`
			}
			var rows []row
			for _, a := range s.Spec.Artifacts {
				r := row{Name: a.Name, Path: reader.Path(a)}
				content, err := reader.Read(cmd.Context(), a)
				if err != nil {
					r.Error = err.Error()
				} else {
					r.Fingerprint = artifacts.Fingerprint(a, content)
				}
				rows = append(rows, r)
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Artifact", "Seed", "Fingerprint", "Error"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Name, r.Path, r.Fingerprint, r.Error})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage roomops.yml",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default roomops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if cfg.Runtime.Token != "" {
				cfg.Runtime.Token = "********"
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate roomops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("dir"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("ROOMOPS_JWT_SECRET or server.jwt_secret is required")
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl, roles...)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject, "roles": roles, "expires_in": ttl.Seconds()})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (operator, viewer); repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

// loadConfig reads roomops.yml from --dir and applies ROOMOPS_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("dir"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("runtime-base-url"); v != "" {
		cfg.Runtime.BaseURL = v
	}
	if v := viper.GetString("runtime-token"); v != "" {
		cfg.Runtime.Token = v
	}
	if v := viper.GetString("state-dir"); v != "" {
		cfg.StateDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func loadSpec(path string) (domain.RoomSpec, error) {
	s, err := spec.Load(path)
	if err != nil {
		return domain.RoomSpec{}, err
	}
	if err := spec.Validate(s); err != nil {
		return domain.RoomSpec{}, err
	}
	return s, nil
}

func newClient() *roomopssdk.Client {
	c := roomopssdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	return c
}

func reconcile(ctx context.Context, s domain.RoomSpec, dryRun, confirm, local bool) (roomopssdk.ApplyResult, error) {
	if !local {
		c := newClient()
		if dryRun {
			return c.Plan(ctx, s, confirm)
		}
		return c.Apply(ctx, s, false, confirm)
	}
	cfg, err := loadConfig()
	if err != nil {
		return roomopssdk.ApplyResult{}, err
	}
	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		return roomopssdk.ApplyResult{}, err
	}
	a.Start(ctx)
	res := a.Service.Apply(ctx, engine.Request{Spec: s, DryRun: dryRun, Confirm: confirm})
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		return roomopssdk.ApplyResult{}, err
	}
	if res.Rejected || !res.Success {
		return toSDKResult(res), fmt.Errorf("reconcile %s failed: %s", res.CorrelationID, strings.Join(res.Errors, "; "))
	}
	return toSDKResult(res), nil
}

func toSDKResult(res domain.ReconcileResult) roomopssdk.ApplyResult {
	applied := roomopssdk.Applied(res.Applied)
	out := roomopssdk.ApplyResult{
		CorrelationID:   res.CorrelationID,
		RoomID:          res.RoomID,
		Success:         res.Success,
		PartialSuccess:  res.PartialSuccess,
		DryRun:          res.DryRun,
		Phase:           string(res.LastCompletedPhase),
		Applied:         &applied,
		Warnings:        res.Warnings,
		DurationSeconds: res.Duration().Seconds(),
	}
	if res.Diff != nil {
		d := roomopssdk.Diff(*res.Diff)
		out.Diff = &d
	}
	if res.Remaining != nil {
		d := roomopssdk.Diff(*res.Remaining)
		out.Remaining = &d
	}
	return out
}

func toSDKEntries(entries []domain.AuditEntry) []roomopssdk.AuditEntry {
	out := make([]roomopssdk.AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, roomopssdk.AuditEntry{
			Seq:             e.Seq,
			Type:            string(e.Type),
			Action:          e.Action,
			CorrelationID:   e.CorrelationID,
			Timestamp:       e.Timestamp,
			OperatorVersion: e.OperatorVersion,
			SpecVersion:     e.SpecVersion,
			Metadata:        e.Metadata,
		})
	}
	return out
}

func toSDKRuns(runs []domain.ReconcileRun) []roomopssdk.Run {
	out := make([]roomopssdk.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, roomopssdk.Run{
			CorrelationID:  r.CorrelationID,
			RoomID:         r.RoomID,
			SpecName:       r.SpecName,
			SpecVersion:    r.SpecVersion,
			DryRun:         r.DryRun,
			Success:        r.Success,
			PartialSuccess: r.PartialSuccess,
			LastPhase:      string(r.LastPhase),
			Joined:         r.Joined,
			Kicked:         r.Kicked,
			Seeded:         r.Seeded,
			Deleted:        r.Deleted,
			Errors:         r.Errors,
			Warnings:       r.Warnings,
			StartedAt:      r.StartedAt,
			FinishedAt:     r.FinishedAt,
		})
	}
	return out
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{StateDir: cfg.StateDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printResult(res roomopssdk.ApplyResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.Queued() {
		fmt.Printf("Queued behind a running reconcile (correlation id %s)\n", res.CorrelationID)
		return nil
	}
	mode := "apply"
	if res.DryRun {
		mode = "plan"
	}
	outcome := "succeeded"
	switch {
	case !res.Success:
		outcome = "failed"
	case res.PartialSuccess:
		outcome = "partially succeeded"
	}
	fmt.Printf("Room %s %s %s at %s in %.2fs (correlation id %s)\n", res.RoomID, mode, outcome, res.Phase, res.DurationSeconds, res.CorrelationID)
	if res.Diff != nil {
		printDiff(*res.Diff)
	}
	if res.Applied != nil && !res.DryRun {
		a := res.Applied
		fmt.Printf("Applied: joined=%d kicked=%d seeded=%d promoted=%d deleted=%d policies=%d\n",
			a.Joined, a.Kicked, a.Seeded, a.Promoted, a.Deleted, a.Policies)
	}
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func printDiff(d roomopssdk.Diff) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Change", "Count", "Items"})
	add := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		tw.AppendRow(table.Row{label, len(items), strings.Join(items, ", ")})
	}
	add("join", d.ToJoin)
	add("kick", d.ToKick)
	add("ensure", d.ToEnsure)
	add("seed", d.ToSeed)
	add("promote", d.ToPromote)
	add("delete artifact", d.ToDeleteArtifacts)
	add("apply policy", d.ToApply)
	add("blocked", d.Blocked)
	if tw.Length() == 0 {
		fmt.Println("No changes.")
		return
	}
	tw.Render()
}

func printRooms(rooms []roomopssdk.RoomStatus) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Room", "Phase", "Reconciling", "Last Reconcile", "Unconverged Cycles", "Blocked", "Correlation"})
	for _, r := range rooms {
		last := ""
		if !r.LastReconcile.IsZero() {
			last = r.LastReconcile.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{r.RoomID, r.CurrentPhase, r.IsReconciling, last, r.CyclesSinceConverged, strings.Join(r.Blocked, ", "), r.LastCorrelationID})
	}
	tw.Render()
}

func printAudit(entries []roomopssdk.AuditEntry) error {
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Action", "Correlation", "Metadata"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Action, e.CorrelationID, compactJSON(e.Metadata)})
	}
	tw.Render()
	return nil
}

func printRuns(runs []roomopssdk.Run) error {
	if viper.GetBool("json") {
		return printJSON(runs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Correlation", "Room", "Spec", "Dry Run", "Success", "Partial", "Phase", "Joined", "Kicked", "Seeded", "Deleted", "Started"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.CorrelationID, r.RoomID, fmt.Sprintf("%s@%d", r.SpecName, r.SpecVersion), r.DryRun, r.Success, r.PartialSuccess, r.LastPhase, r.Joined, r.Kicked, r.Seeded, r.Deleted, r.StartedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}
