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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orionboard/internal/config"
	"orionboard/internal/engine"
	"orionboard/internal/server"
	"orionboard/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ob",
	Short: "Orionboard CLI",
	Long: `Orionboard coordinates a fleet of orion worker processes over one shared
task board. The board is a single versioned document: every mutation commits
a new version, and time-bounded leases keep two workers off the same task.
Workers register, heartbeat, claim tasks, and release them when done; the
audit log records every change. Run 'ob init' to drop a default
orionboard.yml into the workspace.`,
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
	viper.SetEnvPrefix("ORIONBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("owner-id", "", "lease owner identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(orionCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default orionboard.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := store.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow backlog -> todo -> in_progress -> review/blocked -> done. Claim a task before working on it; the lease keeps other workers off until you release or it expires.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskHeartbeatCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Tags = tags
			opts.ExpectedVersion = expectedVersionFlag(cmd)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, version, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printVersioned(t, version)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (default normal)")
	cmd.Flags().StringVar(&opts.AssignedTo, "assign", "", "worker id to assign")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f engine.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				now := time.Now().UTC()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assigned", "Lease"})
				for _, t := range tasks {
					lease := ""
					if t.LeaseActive(now) {
						lease = fmt.Sprintf("%s (%.0fs left)", t.LeaseOwner, t.LeaseExpiresAt.Sub(now).Seconds())
					} else if t.HasLease() {
						lease = t.LeaseOwner + " (expired)"
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.AssignedTo, lease})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a task to a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, version, err := e.AssignTask(ctx, args[0], workerID, expectedVersionFlag(cmd))
				if err != nil {
					return err
				}
				return printVersioned(t, version)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var leaseSec int
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim an exclusive task lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				_, lease, version, err := e.ClaimTask(ctx, engine.TaskClaimOptions{
					TaskID:          args[0],
					OwnerID:         ownerID(),
					LeaseSec:        leaseSec,
					ExpectedVersion: expectedVersionFlag(cmd),
				})
				if err != nil {
					return err
				}
				return printVersioned(lease, version)
			})
		},
	}
	cmd.Flags().IntVar(&leaseSec, "lease-sec", 0, "lease duration seconds (0 uses the config default)")
	addExpectedVersionFlag(cmd)
	return cmd
}

func taskHeartbeatCmd() *cobra.Command {
	var token string
	var leaseSec int
	cmd := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Renew a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				_, lease, version, err := e.HeartbeatLease(ctx, engine.LeaseHeartbeatOptions{
					TaskID:     args[0],
					OwnerID:    ownerID(),
					LeaseToken: token,
					LeaseSec:   leaseSec,
				})
				if err != nil {
					return err
				}
				return printVersioned(lease, version)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "lease token from claim")
	cmd.Flags().IntVar(&leaseSec, "lease-sec", 0, "lease duration seconds (0 uses the config default)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var token, nextStatus, reason string
	var forceIfExpired bool
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a lease (or force-release an expired one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, version, err := e.ReleaseLease(ctx, engine.LeaseReleaseOptions{
					TaskID:         args[0],
					OwnerID:        ownerID(),
					LeaseToken:     token,
					NextStatus:     nextStatus,
					ForceIfExpired: forceIfExpired,
					ActorID:        viper.GetString("actor-id"),
					Reason:         reason,
				})
				if err != nil {
					return err
				}
				return printVersioned(t, version)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "lease token from claim")
	cmd.Flags().StringVar(&nextStatus, "next-status", "", "status after release (default todo)")
	cmd.Flags().BoolVar(&forceIfExpired, "force-if-expired", false, "reclaim a lease whose expiry has lapsed")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var opts engine.StatusUpdateOptions
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID = args[0]
			opts.OwnerID = ownerID()
			opts.ExpectedVersion = expectedVersionFlag(cmd)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, version, err := e.UpdateTaskStatus(ctx, opts)
				if err != nil {
					return err
				}
				return printVersioned(t, version)
			})
		},
	}
	cmd.Flags().StringVar(&opts.NewStatus, "to", "", "new status")
	cmd.Flags().StringVar(&opts.LeaseToken, "token", "", "lease token, required while the task is leased")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "bypass the lease ownership check")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				version, err := e.DeleteTask(ctx, args[0], expectedVersionFlag(cmd))
				if err != nil {
					return err
				}
				return printVersioned(map[string]any{"task_id": args[0], "deleted": true}, version)
			})
		},
	}
	addExpectedVersionFlag(cmd)
	return cmd
}

func orionCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "orion",
		Short: "Manage orion worker registrations",
		Long:  "Each orion process registers under a worker id and heartbeats to stay alive. Registrations are never evicted; liveness is derived from the last heartbeat's TTL.",
	}
	o.AddCommand(orionRegisterCmd())
	o.AddCommand(orionHeartbeatCmd())
	o.AddCommand(orionListCmd())
	return o
}

func orionRegisterCmd() *cobra.Command {
	var opts engine.WorkerRegisterOptions
	var configJSON string
	cmd := &cobra.Command{
		Use:   "register <worker-id>",
		Short: "Register a worker instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkerID = args[0]
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &opts.Config); err != nil {
					return fmt.Errorf("--config-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, version, err := e.RegisterWorker(ctx, opts)
				if err != nil {
					return err
				}
				return printVersioned(w, version)
			})
		},
	}
	cmd.Flags().IntVar(&opts.LeaseTTLSec, "ttl-sec", 0, "registration TTL seconds (0 uses the config default)")
	cmd.Flags().StringVar(&configJSON, "config-json", "", "worker config JSON")
	return cmd
}

func orionHeartbeatCmd() *cobra.Command {
	var opts engine.WorkerHeartbeatOptions
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "heartbeat <worker-id>",
		Short: "Heartbeat a worker registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkerID = args[0]
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &opts.Metadata); err != nil {
					return fmt.Errorf("--metadata-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, version, err := e.HeartbeatWorker(ctx, opts)
				if err != nil {
					return err
				}
				return printVersioned(w, version)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "worker status (active, draining, ...)")
	cmd.Flags().IntVar(&opts.LeaseTTLSec, "ttl-sec", 0, "registration TTL seconds (0 keeps the current TTL)")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata patch JSON")
	return cmd
}

func orionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worker registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				workers, err := e.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				now := time.Now().UTC()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Alive", "Current task", "Done", "Last heartbeat"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Status, w.Alive(now), w.CurrentTask, w.TasksCompleted, w.LastHeartbeatAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the full board document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				snap, err := e.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Board counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Metrics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("Board version: %d\n", m.Version)
				fmt.Printf("Tasks: %d total, %d done, %d in progress, %d blocked, %d leased\n",
					m.TasksTotal, m.TasksDone, m.TasksInProgress, m.TasksBlocked, m.TasksLeased)
				fmt.Printf("Completion: %.1f%%\n", m.CompletionRate*100)
				fmt.Printf("Workers: %d registered, %d alive\n", m.WorkersRegistered, m.WorkersAlive)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.AuditTail(ctx, n, action)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, entry := range entries {
					b, _ := json.Marshal(entry.Details)
					fmt.Printf("%s  %-22s %s\n", entry.Timestamp.Format(time.RFC3339), entry.Action, string(b))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := store.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg, workspace)
			if err != nil {
				return err
			}
			defer st.Close()
			e := engine.New(st, cfg)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("ORIONBOARD_JWT_SECRET"),
				APIKeys:   cfg.Server.APIKeys,
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Orionboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	if _, err := store.EnsureWorkspace(workspace); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg, workspace)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, engine.New(st, cfg))
}

// ownerID falls back to the actor id so interactive use needs one flag.
func ownerID() string {
	if id := viper.GetString("owner-id"); id != "" {
		return id
	}
	return viper.GetString("actor-id")
}

func addExpectedVersionFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("expected-version", -1, "fail unless the board is at this version")
}

func expectedVersionFlag(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("expected-version") {
		return nil
	}
	v, _ := cmd.Flags().GetInt64("expected-version")
	return &v
}

func printVersioned(v any, version int64) error {
	return printJSONOrTable(map[string]any{"result": v, "version": version})
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
