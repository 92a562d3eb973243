package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitline/internal/catalog"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/migrate"
	"permitline/internal/repo"
	"permitline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ptw",
	Short: "Permitline CLI",
	Long: `Permitline is a permit-to-work drafting tool for hazardous field work.
- Draft: one in-progress permit, identified by its PTW number, autosaved locally.
- Steps: basic_info -> risk_assessment -> safety_measures -> documentation -> review.
  Forward moves are gated by validation; going back is always allowed.
- Risk: probability x severity on a 5x5 matrix, banded low/medium/high/extreme.
- Catalog: permit types define mandatory PPE and checklists; works offline from
  a cached or bundled copy when the catalog service is unreachable.
- Submit: the final review gate runs across all steps, then the permit is sent
  to the submission service and the local draft is retired.`,
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
	viper.SetEnvPrefix("PERMITLINE")
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
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "draft",
		Short: "Manage permit drafts",
		Long:  "A draft is the working copy of a permit. Fields are autosaved locally and synced to the office when reachable; the PTW number is minted at creation and never changes.",
	}
	d.AddCommand(draftNewCmd())
	d.AddCommand(draftListCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftSetCmd())
	d.AddCommand(draftStepsCmd())
	d.AddCommand(draftRiskCmd())
	d.AddCommand(draftNextCmd())
	d.AddCommand(draftPrevCmd())
	d.AddCommand(draftGotoCmd())
	d.AddCommand(draftLocateCmd())
	d.AddCommand(draftSubmitCmd())
	d.AddCommand(draftDeleteCmd())
	return d
}

func draftNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a new permit draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.NewDraft(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				defer s.Close(ctx)
				return printJSONOrTable(s.Draft())
			})
		},
	}
}

func draftListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDrafts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Permit", "Step", "Sync", "Created", "Last Saved"})
				for _, d := range items {
					saved := ""
					if d.LastSavedAt != nil {
						saved = *d.LastSavedAt
					}
					tw.AppendRow(table.Row{d.PermitNumber, domain.Step(d.CurrentStep).String(), d.SyncStatus, d.CreatedAt, saved})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <permit-number>",
		Short: "Show a draft with its risk projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				out := map[string]any{
					"draft":    s.Draft(),
					"risk":     s.Risk(),
					"degraded": s.Degraded(),
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func draftSetCmd() *cobra.Command {
	var (
		permitType                       int
		probability, severity            int
		description, location, gps       string
		plannedStart, plannedEnd         string
		controls, isolationDetails       string
		specialInstructions              string
		hazards, ppe, checklist, uploads []string
		requiresIsolation, trainingDone  bool
	)
	cmd := &cobra.Command{
		Use:   "set <permit-number>",
		Short: "Apply field changes to a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.FieldPatch
			if cmd.Flags().Changed("type") {
				patch.PermitTypeID = &permitType
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("location") {
				patch.Location = &location
			}
			if cmd.Flags().Changed("gps") {
				patch.GPSCoordinates = &gps
			}
			if cmd.Flags().Changed("start") {
				patch.PlannedStart = &plannedStart
			}
			if cmd.Flags().Changed("end") {
				patch.PlannedEnd = &plannedEnd
			}
			if cmd.Flags().Changed("probability") {
				patch.Probability = &probability
			}
			if cmd.Flags().Changed("severity") {
				patch.Severity = &severity
			}
			if cmd.Flags().Changed("hazard") {
				patch.HazardIDs = &hazards
			}
			if cmd.Flags().Changed("controls") {
				patch.ControlMeasures = &controls
			}
			if cmd.Flags().Changed("ppe") {
				patch.PPESelections = &ppe
			}
			if cmd.Flags().Changed("checklist") {
				patch.SafetyChecklist = &checklist
			}
			if cmd.Flags().Changed("requires-isolation") {
				patch.RequiresIsolation = &requiresIsolation
			}
			if cmd.Flags().Changed("isolation-details") {
				patch.IsolationDetails = &isolationDetails
			}
			if cmd.Flags().Changed("training-verified") {
				patch.TrainingVerified = &trainingDone
			}
			if cmd.Flags().Changed("special-instructions") {
				patch.SpecialInstructions = &specialInstructions
			}
			if cmd.Flags().Changed("attachment") {
				patch.Attachments = &uploads
			}
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				d, err := s.Merge(ctx, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().IntVar(&permitType, "type", 0, "permit type id")
	cmd.Flags().StringVar(&description, "description", "", "work description")
	cmd.Flags().StringVar(&location, "location", "", "work location")
	cmd.Flags().StringVar(&gps, "gps", "", "GPS coordinates (lat,lon)")
	cmd.Flags().StringVar(&plannedStart, "start", "", "planned start (RFC3339)")
	cmd.Flags().StringVar(&plannedEnd, "end", "", "planned end (RFC3339)")
	cmd.Flags().IntVar(&probability, "probability", 0, "probability [1,5]")
	cmd.Flags().IntVar(&severity, "severity", 0, "severity [1,5]")
	cmd.Flags().StringArrayVar(&hazards, "hazard", []string{}, "hazard id (repeatable, replaces the set)")
	cmd.Flags().StringVar(&controls, "controls", "", "control measures")
	cmd.Flags().StringArrayVar(&ppe, "ppe", []string{}, "PPE item (repeatable, replaces the set)")
	cmd.Flags().StringArrayVar(&checklist, "checklist", []string{}, "checklist item (repeatable, replaces the set)")
	cmd.Flags().BoolVar(&requiresIsolation, "requires-isolation", false, "isolation required")
	cmd.Flags().StringVar(&isolationDetails, "isolation-details", "", "isolation details")
	cmd.Flags().BoolVar(&trainingDone, "training-verified", false, "training verified")
	cmd.Flags().StringVar(&specialInstructions, "special-instructions", "", "special instructions")
	cmd.Flags().StringArrayVar(&uploads, "attachment", []string{}, "attachment reference (repeatable, replaces the set)")
	return cmd
}

func draftStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <permit-number>",
		Short: "Show per-step validation states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				states := s.StepStates()
				if viper.GetBool("json") {
					return printJSON(states)
				}
				current := s.Current()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "Step", "Valid", "Errors"})
				for _, st := range states {
					marker := ""
					if st.Step == current {
						marker = ">"
					}
					var msgs []string
					for _, e := range st.Errors {
						msgs = append(msgs, e.Field+": "+e.Message)
					}
					tw.AppendRow(table.Row{marker, st.Name, st.Valid, strings.Join(msgs, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func draftRiskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "risk <permit-number>",
		Short: "Show the current risk projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				a := s.Risk()
				if a == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"set": false})
					}
					fmt.Println("risk not assessable yet: set probability and severity first")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%d x %d = %d (%s)\n", a.Probability, a.Severity, a.Score, a.Band)
				return nil
			})
		},
	}
}

func draftNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <permit-number>",
		Short: "Advance to the next step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				step, err := s.Next(ctx, viper.GetString("actor-id"))
				if err != nil {
					var blocked *engine.StepBlockedError
					if errors.As(err, &blocked) {
						printStepErrors(blocked)
						return fmt.Errorf("cannot advance from %s", blocked.Step)
					}
					return err
				}
				fmt.Printf("now at %s\n", step)
				return nil
			})
		},
	}
}

func draftPrevCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prev <permit-number>",
		Short: "Return to the previous step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				step, err := s.Prev(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("now at %s\n", step)
				return nil
			})
		},
	}
}

func draftGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <permit-number> <step>",
		Short: "Jump to a step (0-4); forward jumps validate intervening steps",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step must be a number 0-4")
			}
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				step, err := s.Goto(ctx, domain.Step(target), viper.GetString("actor-id"))
				if err != nil {
					var blocked *engine.StepBlockedError
					if errors.As(err, &blocked) {
						printStepErrors(blocked)
						return fmt.Errorf("cannot jump past %s", blocked.Step)
					}
					return err
				}
				fmt.Printf("now at %s\n", step)
				return nil
			})
		},
	}
}

func draftLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate <permit-number>",
		Short: "Fill GPS coordinates from the geolocation provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				coords, err := s.Locate(ctx, viper.GetString("actor-id"))
				if err != nil {
					fmt.Println("position unavailable; enter coordinates manually with --gps")
					return err
				}
				fmt.Printf("gps_coordinates = %s\n", coords)
				return nil
			})
		},
	}
}

func draftSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <permit-number>",
		Short: "Submit the permit for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), args[0], func(ctx context.Context, s *engine.Session) error {
				receipt, err := s.Submit(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(receipt)
			})
		},
	}
}

func draftDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <permit-number>",
		Short: "Discard a local draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteDraft(ctx, args[0])
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "catalog",
		Short: "Permit type catalog",
		Long:  "Permit types come from the catalog service when reachable, else from the cached copy or the bundled table. Degraded results are marked.",
	}
	c.AddCommand(catalogListCmd())
	c.AddCommand(catalogShowCmd())
	c.AddCommand(catalogHazardsCmd())
	return c
}

func catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List permit types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				types, degraded := e.Resolver.List(ctx)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"types": types, "degraded": degraded})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Risk", "Min Crew", "Valid (h)"})
				for _, pt := range types {
					tw.AppendRow(table.Row{pt.ID, pt.Name, pt.Category, pt.RiskLevel, pt.MinPersonnelRequired, pt.ValidityHours})
				}
				tw.Render()
				if degraded {
					fmt.Println("(degraded: catalog service unreachable, showing cached or bundled data)")
				}
				return nil
			})
		},
	}
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a permit type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("id must be a number")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				pt, degraded, err := e.Resolver.Resolve(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"type": pt, "degraded": degraded})
			})
		},
	}
}

func catalogHazardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hazards",
		Short: "List the hazard library",
		RunE: func(cmd *cobra.Command, args []string) error {
			hazards := catalog.Hazards()
			if viper.GetBool("json") {
				return printJSON(hazards)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name"})
			for _, h := range hazards {
				tw.AppendRow(table.Row{h.ID, h.Name})
			}
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "Config lives in permitline.yml next to the workspace: site identity, autosave interval, and the catalog, submission, draft-sync and geolocation endpoints.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default permitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate permitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every draft change: field updates, step moves, autosaves, submissions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, permitNumber string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, permitNumber, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&permitNumber, "permit", "", "permit number filter")
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Permitline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
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
	return fn(ctx, e)
}

func withSession(ctx context.Context, permitNumber string, fn func(context.Context, *engine.Session) error) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		s, err := e.OpenDraft(ctx, permitNumber)
		if err != nil {
			return err
		}
		defer s.Close(ctx)
		return fn(ctx, s)
	})
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

func printStepErrors(blocked *engine.StepBlockedError) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Problem"})
	for _, e := range blocked.Errors {
		tw.AppendRow(table.Row{e.Field, e.Message})
	}
	tw.Render()
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
