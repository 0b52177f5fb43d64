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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KDLN/aurelian-missions/internal/config"
	"github.com/KDLN/aurelian-missions/internal/db"
	"github.com/KDLN/aurelian-missions/internal/domain"
	"github.com/KDLN/aurelian-missions/internal/engine"
	"github.com/KDLN/aurelian-missions/internal/ledger"
	"github.com/KDLN/aurelian-missions/internal/migrate"
	"github.com/KDLN/aurelian-missions/internal/repo"
	"github.com/KDLN/aurelian-missions/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "missiond",
	Short: "Server mission engine",
	Long: `missiond runs server-wide missions for the game: shared contribution
goals that every player on a server can pitch into. Missions collect
resources toward requirements, rank contributors into reward tiers, and
hand authorized grants to the economy ledger.

Concepts:
- Mission: a shared goal (e.g. deliver 10,000 iron ore) with a deadline.
- Contribution: a player's delivery against one or more resource keys.
- Tier: the reward band a player's contribution score earns (bronze..legendary).
- Leaderboard: live ranking while active, frozen once the mission ends.
- Claim: a one-shot reward grant routed through the external ledger.`,
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
	viper.SetEnvPrefix("MISSIOND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionStartCmd())
	m.AddCommand(missionEndCmd())
	m.AddCommand(missionContributeCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var name, desc, mType, endsAt string
	var requires []string
	var startNow bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := parseKeyQuantities(requires)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, engine.MissionCreateOptions{
					Name:         name,
					Description:  desc,
					Type:         mType,
					Requirements: reqs,
					EndsAt:       endsAt,
					StartNow:     startNow,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "mission name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&mType, "type", "", "mission type")
	cmd.Flags().StringArrayVar(&requires, "require", []string{}, "requirement as key=quantity (repeatable)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "end time (RFC3339)")
	cmd.Flags().BoolVar(&startNow, "start-now", false, "activate immediately")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("require")
	_ = cmd.MarkFlagRequired("ends-at")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status, mType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMissions(ctx, repo.MissionFilters{Status: status, Type: mType, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Ends At", "Progress"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.EndsAt, progressSummary(m)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&mType, "type", "", "filter by type")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <mission-id>",
		Short: "Activate a scheduled mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.StartMission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionEndCmd() *cobra.Command {
	var forced bool
	cmd := &cobra.Command{
		Use:   "end <mission-id>",
		Short: "End an active mission and freeze results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.EndMission(ctx, args[0], viper.GetString("actor-id"), forced)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&forced, "forced", false, "mark the mission completed even if requirements are unmet")
	return cmd
}

func missionContributeCmd() *cobra.Command {
	var userID, guildID string
	var deltas []string
	cmd := &cobra.Command{
		Use:   "contribute <mission-id>",
		Short: "Record a contribution on a player's behalf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseKeyQuantities(deltas)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Contribute(ctx, engine.ContributeOptions{
					MissionID: args[0],
					UserID:    userID,
					GuildID:   optionalString(guildID),
					Deltas:    parsed,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id")
	cmd.Flags().StringArrayVar(&deltas, "delta", []string{}, "delta as key=quantity (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("delta")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var guildID, tier string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "leaderboard <mission-id>",
		Short: "Show a mission leaderboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				board, err := e.Leaderboard(ctx, args[0], engine.LeaderboardOptions{
					GuildID:  guildID,
					Tier:     tier,
					Page:     page,
					PageSize: pageSize,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "User", "Guild", "Score", "Tier"})
				for _, entry := range board.Entries {
					guild := ""
					if entry.GuildID != nil {
						guild = *entry.GuildID
					}
					tierName := ""
					if entry.Tier != nil {
						tierName = *entry.Tier
					}
					tw.AppendRow(table.Row{entry.Rank, entry.UserID, guild, fmt.Sprintf("%.3f", entry.Score), tierName})
				}
				tw.Render()
				if board.Frozen {
					fmt.Println("(results frozen)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "filter by guild")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by tier")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size (0 = default)")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail active missions past their end time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"expired": n})
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"secret":   secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage missions.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var serverID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default missions.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serverID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server-id", "server-1", "server identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate missions.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var missionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, missionID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, buildLedger(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("MISSIOND_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MISSIOND_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			interval := 30 * time.Second
			if cfg.Sweep.IntervalSeconds > 0 {
				interval = time.Duration(cfg.Sweep.IntervalSeconds) * time.Second
			}
			go runSweep(cmd.Context(), e, interval)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving missions API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func runSweep(ctx context.Context, e engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := e.ExpireOverdue(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "sweep:", err)
		} else if n > 0 {
			fmt.Printf("sweep: expired %d mission(s)\n", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("server-1")
	}
	return cfg, nil
}

func buildLedger(cfg *config.Config) ledger.Ledger {
	if cfg == nil || strings.TrimSpace(cfg.Ledger.BaseURL) == "" {
		return ledger.Noop{}
	}
	client := ledger.NewClient(cfg.Ledger.BaseURL, cfg.Ledger.Token)
	if cfg.Ledger.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second
	}
	return client
}

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
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, buildLedger(cfg))
	return fn(ctx, e)
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

func parseKeyQuantities(items []string) (map[string]int64, error) {
	out := make(map[string]int64, len(items))
	for _, item := range items {
		key, val, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid key=quantity %q", item)
		}
		qty, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in %q: %w", item, err)
		}
		out[strings.TrimSpace(key)] = qty
	}
	return out, nil
}

func progressSummary(m domain.Mission) string {
	keys := make([]string, 0, len(m.Requirements))
	for key := range m.Requirements {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s %d/%d", key, m.Progress[key], m.Requirements[key]))
	}
	return strings.Join(parts, ", ")
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
