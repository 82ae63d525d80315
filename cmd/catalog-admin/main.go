// Command catalog-admin operates a catalog deployment: index migration,
// study registration, release management, exports, restores and the release
// event subscriber.
package main

import (
	"catalogcore/internal/app"
	"catalogcore/internal/config"
	"catalogcore/internal/core"
	"catalogcore/internal/export"
	"catalogcore/pkg/domain"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newCLI(stdout).rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type cli struct {
	configPath string
	out        io.Writer
	// open is replaced in tests.
	open func(ctx context.Context, cfg config.Config) (*app.App, error)
}

func newCLI(out io.Writer) *cli {
	return &cli{out: out, open: func(ctx context.Context, cfg config.Config) (*app.App, error) {
		return app.New(ctx, cfg)
	}}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "catalog-admin",
		Short:         "Administer the study catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to a YAML config file")
	root.AddCommand(
		c.migrateCmd(),
		c.studyCmd(),
		c.releaseCmd(),
		c.exportCmd(),
		c.restoreCmd(),
		c.countCmd(),
		c.subscribeCmd(),
	)
	return root
}

func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()
	return fn(ctx, a)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the indexes of every catalog collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.EnsureIndexes(ctx); err != nil {
					return err
				}
				return c.print(map[string]any{"indexes": len(core.Indexes()), "collections": core.Kinds()})
			})
		},
	}
}

func (c *cli) studyCmd() *cobra.Command {
	var study domain.Study
	cmd := &cobra.Command{Use: "study", Short: "Manage studies"}
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a study",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Catalog.RegisterStudy(ctx, study); err != nil {
					return err
				}
				return c.print(study)
			})
		},
	}
	register.Flags().Int64Var(&study.UID, "uid", 0, "Study uid")
	register.Flags().StringVar(&study.ID, "id", "", "Study id")
	register.Flags().IntVar(&study.Release, "release", 1, "Current release")
	register.Flags().StringVar(&study.Owner, "owner", "", "Owning user")
	register.Flags().StringSliceVar(&study.Admins, "admin", nil, "Study administrators")
	register.Flags().StringSliceVar(&study.ConfidentialViewers, "confidential-viewer", nil, "Users allowed to read confidential annotations")
	_ = register.MarkFlagRequired("uid")
	_ = register.MarkFlagRequired("id")
	cmd.AddCommand(register)
	return cmd
}

func (c *cli) releaseCmd() *cobra.Command {
	var (
		studyUID int64
		release  int
	)
	cmd := &cobra.Command{Use: "release", Short: "Manage study releases"}
	advance := &cobra.Command{
		Use:   "advance",
		Short: "Close the current release and tag last versions with the next one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				next, tagged, err := a.Catalog.AdvanceRelease(ctx, studyUID)
				if err != nil {
					return err
				}
				return c.print(map[string]any{"study": studyUID, "release": next, "tagged": tagged})
			})
		},
	}
	advance.Flags().Int64Var(&studyUID, "study", 0, "Study uid")
	_ = advance.MarkFlagRequired("study")

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Advance a study up to the given release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				tagged, err := a.Catalog.ApplyReleaseEvent(ctx, studyUID, release)
				if err != nil {
					return err
				}
				return c.print(map[string]any{"study": studyUID, "release": release, "tagged": tagged})
			})
		},
	}
	apply.Flags().Int64Var(&studyUID, "study", 0, "Study uid")
	apply.Flags().IntVar(&release, "release", 0, "Target release")
	_ = apply.MarkFlagRequired("study")
	_ = apply.MarkFlagRequired("release")
	cmd.AddCommand(advance, apply)
	return cmd
}

func parseKinds(values []string) ([]domain.EntityType, error) {
	known := map[string]domain.EntityType{}
	for _, k := range core.Kinds() {
		known[string(k)] = k
	}
	out := make([]domain.EntityType, 0, len(values))
	for _, v := range values {
		k, ok := known[strings.ToLower(strings.TrimSpace(v))]
		if !ok {
			return nil, fmt.Errorf("unknown entity kind %q", v)
		}
		out = append(out, k)
	}
	return out, nil
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		studyUID int64
		kinds    []string
		opts     export.Options
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a study to the configured blob store as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			opts.Kinds = parsed
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				exp, err := a.Exporter(ctx)
				if err != nil {
					return err
				}
				m, err := exp.Export(ctx, studyUID, opts)
				if err != nil {
					return err
				}
				return c.print(m)
			})
		},
	}
	cmd.Flags().Int64Var(&studyUID, "study", 0, "Study uid")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Entity kinds to export (default all)")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "Export trashed and deleted entities")
	cmd.Flags().BoolVar(&opts.AllVersions, "all-versions", false, "Export every version")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "Replace an earlier export")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "Key prefix (default studies)")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func (c *cli) restoreCmd() *cobra.Command {
	var (
		studyUID int64
		kind     string
		uid      int64
		viewer   string
		opts     core.RestoreOptions
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Bring a trashed entity back to READY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := parseKinds([]string{kind})
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				scope := core.Scope{StudyUID: studyUID, Viewer: viewer}
				switch kinds[0] {
				case domain.EntitySample:
					err = a.Catalog.Samples().Restore(ctx, scope, uid, opts)
				case domain.EntityCohort:
					err = a.Catalog.Cohorts().Restore(ctx, scope, uid, opts)
				case domain.EntityFile:
					err = a.Catalog.Files().Restore(ctx, scope, uid, opts)
				case domain.EntityIndividual:
					err = a.Catalog.Individuals().Restore(ctx, scope, uid, opts)
				}
				if err != nil {
					return err
				}
				return c.print(map[string]any{"study": studyUID, "kind": kinds[0], "uid": uid, "status": domain.StatusReady})
			})
		},
	}
	cmd.Flags().Int64Var(&studyUID, "study", 0, "Study uid")
	cmd.Flags().StringVar(&kind, "kind", "", "Entity kind")
	cmd.Flags().Int64Var(&uid, "uid", 0, "Entity uid")
	cmd.Flags().StringVar(&viewer, "as", "", "Acting user")
	cmd.Flags().BoolVar(&opts.RecoverID, "recover-id", false, "Strip the deletion suffix from the id")
	for _, f := range []string{"study", "kind", "uid", "as"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (c *cli) countCmd() *cobra.Command {
	var (
		studyUID int64
		kind     string
		viewer   string
		filters  []string
	)
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count entities matching key=value filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := parseKinds([]string{kind})
			if err != nil {
				return err
			}
			q := core.NewQuery()
			for _, f := range filters {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("filter %q is not key=value", f)
				}
				q = q.Set(k, v)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				scope := core.Scope{StudyUID: studyUID, Viewer: viewer, Internal: viewer == ""}
				var n int64
				switch kinds[0] {
				case domain.EntitySample:
					n, err = a.Catalog.Samples().Count(ctx, scope, q)
				case domain.EntityCohort:
					n, err = a.Catalog.Cohorts().Count(ctx, scope, q)
				case domain.EntityFile:
					n, err = a.Catalog.Files().Count(ctx, scope, q)
				case domain.EntityIndividual:
					n, err = a.Catalog.Individuals().Count(ctx, scope, q)
				}
				if err != nil {
					return err
				}
				return c.print(map[string]any{"kind": kinds[0], "query": q.String(), "count": n})
			})
		},
	}
	cmd.Flags().Int64Var(&studyUID, "study", 0, "Study uid")
	cmd.Flags().StringVar(&kind, "kind", "sample", "Entity kind")
	cmd.Flags().StringVar(&viewer, "as", "", "Acting user (internal scope when empty)")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "Query parameter as key=value")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

func (c *cli) subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Apply release events from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				sub, err := a.Subscribe(ctx)
				if err != nil {
					return err
				}
				<-ctx.Done()
				handled, failed := sub.Stats()
				return c.print(map[string]any{"handled": handled, "failed": failed})
			})
		},
	}
}
