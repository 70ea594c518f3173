package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
	"trackline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trackline CLI",
	Long: `Trackline tracks work items and sprints for projects inside workspaces.
- Workspace: the tenant; its admins may do anything in every project.
- Project: owns items, sprints and a policy (roles and done statuses); keys look like PAYM-42.
- Items: live in the backlog or in one sprint, ordered by a sparse position.
- Sprints: planned -> active -> completed, or cancelled; one active sprint per project.
- Permissions: workspace admin, project role or explicit grant, any one of them is enough.
- Audit: every change is recorded; read it with 'tl audit tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/trackline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded in the audit log")
	rootCmd.PersistentFlags().String("project", "", "project id (needed when the store holds several)")
	rootCmd.PersistentFlags().String("store-driver", "", "store driver: sqlite or postgres")
	rootCmd.PersistentFlags().String("store-dsn", "", "store dsn")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project", "store-driver", "store-dsn", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads trackline.yml and layers TRACKLINE_* env vars and flags
// over it.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	path := viper.GetString("config")
	if path == "" {
		path = config.Path(workspace)
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Workspace == "" {
		cfg.Store.Workspace = workspace
	}
	if v := viper.GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("store-dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Notify.RedisURL = v
	}
	return cfg, cfg.Validate()
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || cfg.Server.BasePath == "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("TRACKLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			logger := log.New(os.Stderr, "trackline ", log.LstdFlags|log.LUTC)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Printf("shutdown: %v", err)
				}
			}()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: logger},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Trackline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("redis-url", "", "publish notifications to this redis")
	_ = viper.BindPFlag("redis-url", cmd.Flags().Lookup("redis-url"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("store migrated (%s)\n", a.Engine.Dialect)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage trackline.yml",
		Long:  "Config holds the server, store, engine and notification settings plus the default project policy copied into every new project.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
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
			return printJSON(cfg)
		},
	}
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceInitCmd())
	return ws
}

func workspaceInitCmd() *cobra.Command {
	var id, name, admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace and its first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: id, Name: name, AdminUserID: admin})
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "workspace-id", "", "workspace id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	cmd.Flags().StringVar(&admin, "admin", "", "user id made workspace admin")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, workspaceID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		Long:  "Creates a project and copies the configured policy into it. Item keys use the first four letters of the name.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
					ID: id, WorkspaceID: workspaceID, Name: name, ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "owning workspace")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("workspace-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := a.Engine.Repo
				projects, err := r.ListProjects(ctx, r.DB, workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := newTable("ID", "Workspace", "Name", "Key", "Created")
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.WorkspaceID, p.Name, engine.KeyPrefix(p.Name), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace filter")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	u.AddCommand(userAddCmd())
	return u
}

func userAddCmd() *cobra.Command {
	var user domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.UpsertUser(ctx, user)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&user.ID, "id", "", "user id")
	cmd.Flags().StringVar(&user.Name, "name", "", "display name")
	cmd.Flags().StringVar(&user.Email, "email", "", "email for notifications")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage project members"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberListCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Give a user a project role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				if err := a.Engine.AddProjectMember(ctx, p.ID, userID, role); err != nil {
					return err
				}
				fmt.Printf("%s is %s on %s\n", userID, role, p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "member", "role id from the project policy")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List project members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				r := a.Engine.Repo
				members, err := r.ListProjectMembers(ctx, r.DB, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable("User", "Role")
				for _, m := range members {
					tw.AppendRow(table.Row{m.UserID, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func grantCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "grant",
		Short: "Manage workspace permission grants",
		Long:  "A grant gives one permission, or * for all, on every project of the workspace.",
	}
	g.AddCommand(grantAddCmd(), grantRevokeCmd())
	return g
}

func grantAddCmd() *cobra.Command {
	var workspaceID, userID, permission string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Grant a permission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.GrantWorkspacePermission(ctx, workspaceID, userID, permission)
			})
		},
	}
	grantFlags(cmd, &workspaceID, &userID, &permission)
	return cmd
}

func grantRevokeCmd() *cobra.Command {
	var workspaceID, userID, permission string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a permission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeWorkspacePermission(ctx, workspaceID, userID, permission)
			})
		},
	}
	grantFlags(cmd, &workspaceID, &userID, &permission)
	return cmd
}

func grantFlags(cmd *cobra.Command, workspaceID, userID, permission *string) {
	cmd.Flags().StringVar(workspaceID, "workspace-id", "", "workspace id")
	cmd.Flags().StringVar(userID, "user", "", "user id")
	cmd.Flags().StringVar(permission, "permission", "", "permission such as sprint.start, or *")
	_ = cmd.MarkFlagRequired("workspace-id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("permission")
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plain, key, err := a.Engine.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "user_id": key.UserID, "key": plain})
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user the key acts as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("user")
	k.AddCommand(create)
	return k
}

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage work items"}
	it.AddCommand(itemListCmd())
	it.AddCommand(itemCreateCmd())
	it.AddCommand(itemMoveCmd())
	it.AddCommand(itemDeleteCmd())
	return it
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	var flagged string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				f.ProjectID = p.ID
				if flagged != "" {
					v, err := strconv.ParseBool(flagged)
					if err != nil {
						return fmt.Errorf("--flagged must be true or false")
					}
					f.Flagged = &v
				}
				items, err := a.Engine.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Key", "Title", "Type", "Status", "Priority", "Points", "Sprint", "Position")
				for _, it := range items {
					points := ""
					if it.StoryPoints != nil {
						points = strconv.FormatFloat(*it.StoryPoints, 'f', -1, 64)
					}
					tw.AppendRow(table.Row{it.Key, it.Title, it.Type, it.Status, it.Priority, points, it.Bucket(), it.Position})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SprintID, "sprint", "", "sprint id")
	cmd.Flags().BoolVar(&f.Backlog, "backlog", false, "backlog only")
	cmd.Flags().BoolVar(&f.IncludeEpics, "include-epics", false, "keep epics in sprint and backlog views")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.EpicID, "epic", "", "epic filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	cmd.Flags().StringVar(&flagged, "flagged", "", "true or false")
	cmd.Flags().StringVarP(&f.Search, "query", "q", "", "search title, key and description")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum items")
	return cmd
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var points float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				opts.ProjectID = p.ID
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("points") {
					opts.StoryPoints = &points
				}
				item, err := a.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "story, bug, task, epic, subtask or custom")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.SprintID, "sprint", "", "sprint id (backlog when empty)")
	cmd.Flags().StringVar(&opts.EpicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent item id")
	cmd.Flags().StringSliceVar(&opts.AssigneeIDs, "assignee", nil, "assignee user ids")
	cmd.Flags().StringSliceVar(&opts.Labels, "label", nil, "labels")
	cmd.Flags().Float64Var(&points, "points", 0, "story points")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemMoveCmd() *cobra.Command {
	var sprintID string
	cmd := &cobra.Command{
		Use:   "move <id>...",
		Short: "Move items to a sprint or the backlog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				res, err := a.Engine.BulkMove(ctx, engine.BulkMoveOptions{
					ProjectID: p.ID, ActorID: viper.GetString("actor-id"), IDs: args, SprintID: sprintID,
				})
				if err != nil {
					return err
				}
				return printBulk(res)
			})
		},
	}
	cmd.Flags().StringVar(&sprintID, "sprint", "", "destination sprint (backlog when empty)")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete items and their descendants",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				res, err := a.Engine.BulkDelete(ctx, engine.BulkDeleteOptions{
					ProjectID: p.ID, ActorID: viper.GetString("actor-id"), IDs: args,
				})
				if err != nil {
					return err
				}
				return printBulk(res)
			})
		},
	}
}

func sprintCmd() *cobra.Command {
	s := &cobra.Command{Use: "sprint", Short: "Manage sprints"}
	s.AddCommand(sprintListCmd())
	s.AddCommand(sprintCreateCmd())
	s.AddCommand(sprintStartCmd())
	s.AddCommand(sprintCompleteCmd())
	s.AddCommand(sprintCancelCmd())
	s.AddCommand(sprintDeleteCmd())
	return s
}

func sprintListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				sprints, err := a.Engine.ListSprints(ctx, p.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sprints)
				}
				tw := newTable("ID", "Name", "Status", "Start", "End", "Points")
				for _, s := range sprints {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, deref(s.StartDate), deref(s.EndDate),
						fmt.Sprintf("%g/%g", s.CompletedPoints, s.TotalPoints)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "planned, active, completed or cancelled")
	return cmd
}

func sprintCreateCmd() *cobra.Command {
	var opts engine.SprintCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a planned sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				opts.ProjectID = p.ID
				opts.ActorID = viper.GetString("actor-id")
				s, err := a.Engine.CreateSprint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "sprint name")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "sprint goal")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func sprintStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Activate a planned sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				s, err := a.Engine.StartSprint(ctx, p.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func sprintCompleteCmd() *cobra.Command {
	var disposition string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the active sprint",
		Long:  "Unfinished items stay in the sprint unless --disposition is backlog or another sprint id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				res, err := a.Engine.CompleteSprint(ctx, engine.CompleteSprintOptions{
					ProjectID: p.ID, ID: args[0], ActorID: viper.GetString("actor-id"), Disposition: disposition,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&disposition, "disposition", "", "backlog or a sprint id")
	return cmd
}

func sprintCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a planned or active sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				s, err := a.Engine.CancelSprint(ctx, p.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func sprintDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a sprint, moving its items to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				moved, err := a.Engine.DeleteSprint(ctx, p.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": args[0], "moved_item_ids": moved})
			})
		},
	}
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Project) error {
				f.ProjectID = p.ID
				entries, err := a.Engine.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("ID", "At", "Actor", "Action", "Entity", "Metadata")
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.ActorID, e.Action, e.EntityKind + ":" + e.EntityID, e.Metadata})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter, e.g. sprint.completed")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.MintToken(cfg.Server.JWTSecret, userID, ttl)
			if err != nil {
				return fmt.Errorf("%w (set TRACKLINE_JWT_SECRET)", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id used as subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, "trackline ", log.LstdFlags|log.LUTC)
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	err = fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(err, a.Close(closeCtx))
}

func withProject(ctx context.Context, fn func(context.Context, *app.App, domain.Project) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		p, err := app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, a, p)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printBulk(res engine.BulkResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := newTable("ID", "Outcome", "Error")
	for _, o := range res.Outcomes {
		tw.AppendRow(table.Row{o.ID, o.Status, o.Error})
	}
	tw.AppendFooter(table.Row{"affected", res.Affected, ""})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
