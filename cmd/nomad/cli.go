package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathonwebb/nomad"
)

type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	config     string
	migrations string
	verbose    bool
	silent     bool
	noSync     bool

	reader *bufio.Reader
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "nomad",
		Short:         "Apply, reverse and inspect Lua migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(c.in)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.config, "config", "c", nomad.DefaultNomadfile, "path to the Nomadfile")
	pf.StringVarP(&c.migrations, "migrations", "m", "", "migrations directory, overriding the Nomadfile")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "log debug output")
	pf.BoolVar(&c.silent, "silent", false, "answer yes to every confirmation except reversing divergent migrations")
	pf.BoolVar(&c.noSync, "no-sync", false, "do not sync the store with the migrations directory first")

	root.AddCommand(
		c.initCmd(),
		c.createCmd(),
		c.showCmd(),
		c.syncCmd(),
		c.upCmd(),
		c.downCmd(),
		c.setHeadCmd(),
	)
	return root
}

func (c *cli) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level}))
}

func (c *cli) load() (*nomad.Nomad, *store, error) {
	cfg, err := nomad.LoadNomadfile(c.config)
	if err != nil {
		return nil, nil, err
	}
	if c.migrations != "" {
		cfg.Migrations = c.migrations
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	log := c.logger()
	n := &nomad.Nomad{
		Driver: st.driver,
		Disk:   nomad.FileDisk{Dir: cfg.Migrations},
		Loader: &nomad.LuaLoader{
			Modules: map[string]nomad.ModuleFunc{st.moduleName: st.module},
			Context: cfg.Context,
			Logger:  log,
		},
		Logger: log,
	}
	return n, st, nil
}

// run loads the Nomadfile, syncs unless disabled and calls fn, closing the
// store connection afterwards.
func (c *cli) run(ctx context.Context, sync bool, fn func(context.Context, *nomad.Nomad) error) (err error) {
	n, _, err := c.load()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, n.Close(context.WithoutCancel(ctx)))
	}()

	if sync && !c.noSync {
		if _, err := n.SyncDatabaseAndDisk(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, n)
}

func (c *cli) confirm(question string) (bool, error) {
	if c.reader == nil {
		c.reader = bufio.NewReader(c.in)
	}
	fmt.Fprintf(c.out, "%s [y/N] ", question)
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return false, err
		}
		if line == "" {
			fmt.Fprintln(c.out)
			return false, nil
		}
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (c *cli) listMigrations(prefix string, ms []*nomad.Migration) {
	if len(ms) == 0 {
		fmt.Fprintf(c.out, "  (none)\n")
		return
	}
	for _, m := range ms {
		fmt.Fprintf(c.out, "  %s%s (%s)\n", prefix, m.Name(), m.Filename())
	}
}

// gate returns a confirmation hook that passes when forced, and otherwise
// lists the migrations and asks.
func (c *cli) gate(force bool, heading, question string) func(context.Context, []*nomad.Migration) (bool, error) {
	return func(_ context.Context, ms []*nomad.Migration) (bool, error) {
		if c.silent || force {
			return true, nil
		}
		fmt.Fprintln(c.out, heading)
		c.listMigrations("", ms)
		return c.confirm(question)
	}
}

func (c *cli) progressHooks(h *nomad.Hooks) *nomad.Hooks {
	h.OnApplyMigration = func(m *nomad.Migration) {
		fmt.Fprintf(c.out, "applying %s ... ", m.Filename())
	}
	h.OnAppliedMigration = func(*nomad.Migration) { fmt.Fprintln(c.out, "ok") }
	h.OnReverseMigration = func(m *nomad.Migration) {
		fmt.Fprintf(c.out, "reversing %s ... ", m.Filename())
	}
	h.OnReversedMigration = func(*nomad.Migration) { fmt.Fprintln(c.out, "ok") }
	return h
}

func (c *cli) initCmd() *cobra.Command {
	var driver string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a template Nomadfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := nomad.InitNomadfile(c.config, driver); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "created %s\n", c.config)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "sqlite3", "store driver: sqlite3, sqlite, mysql, mongodb or bolt")
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new migration script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, st, err := c.load()
			if err != nil {
				return err
			}
			filename, err := n.WriteMigration(cmd.Context(), st.moduleName, args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "created %s\n", filepath.Join(n.Disk.(nomad.FileDisk).Dir, filename))
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "migration description")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the store with the migrations directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), false, func(ctx context.Context, n *nomad.Nomad) error {
				res, err := n.SyncDatabaseAndDisk(ctx)
				if err != nil {
					return err
				}
				for _, f := range res.Inserted {
					fmt.Fprintf(c.out, "+ %s\n", f)
				}
				for _, f := range res.Updated {
					fmt.Fprintf(c.out, "~ %s\n", f)
				}
				fmt.Fprintf(c.out, "%d inserted, %d updated\n", len(res.Inserted), len(res.Updated))
				return nil
			})
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show applied, divergent and unapplied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), true, func(ctx context.Context, n *nomad.Nomad) error {
				ms, err := n.GetMigrations(ctx)
				if err != nil {
					return err
				}
				c.printMigrations(ms)
				return nil
			})
		},
	}
}

func (c *cli) printMigrations(ms *nomad.Migrations) {
	divergent := map[*nomad.Migration]bool{}
	for _, m := range ms.Divergent {
		divergent[m] = true
	}
	unapplied := map[*nomad.Migration]bool{}
	for _, m := range ms.Unapplied {
		unapplied[m] = true
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tAPPLIED AT\tREVERSED AT\tFILENAME")
	all := ms.All()
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		var status []string
		switch {
		case divergent[m] && !m.HasCurrent():
			status = append(status, "divergent (deleted)")
		case divergent[m]:
			status = append(status, "divergent")
		case unapplied[m]:
			status = append(status, "unapplied")
		default:
			status = append(status, "applied")
		}
		if m.FailedAt() != nil {
			status = append(status, "failed")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.Name(), strings.Join(status, ", "), formatTime(m.AppliedAt()), formatTime(m.ReversedAt()), m.Filename())
	}
	w.Flush()
	fmt.Fprintf(c.out, "\n%s\n", ms.Status())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func (c *cli) upCmd() *cobra.Command {
	var forceApply, forceReverseDivergent, forceApplyIrreversible bool
	cmd := &cobra.Command{
		Use:   "up [target]",
		Short: "Reverse divergent migrations and apply unapplied ones up to target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			hooks := c.progressHooks(&nomad.Hooks{
				CanReverseDivergentMigrations: func(ctx context.Context, ms []*nomad.Migration) (bool, error) {
					// Reversing divergent migrations drops applied work, so
					// --silent alone never approves it.
					if c.silent && !forceReverseDivergent {
						fmt.Fprintln(c.errOut, "divergent migrations need --force-reverse-divergent when running with --silent")
						return false, nil
					}
					return c.gate(forceReverseDivergent,
						"The following migrations changed or were deleted after being applied and will be reversed:",
						"Reverse divergent migrations?")(ctx, ms)
				},
				CanApplyMigrations: c.gate(forceApply,
					"The following migrations will be applied:",
					"Apply migrations?"),
				CanApplyIrreversibleMigration: func(_ context.Context, m *nomad.Migration) (bool, error) {
					if c.silent || forceApplyIrreversible {
						return true, nil
					}
					return c.confirm(fmt.Sprintf("%s cannot be reversed once applied. Apply it anyway?", m.Filename()))
				},
			})
			return c.run(cmd.Context(), true, func(ctx context.Context, n *nomad.Nomad) error {
				if err := n.Up(ctx, target, hooks); err != nil {
					return explain(err)
				}
				fmt.Fprintln(c.out, "up to date")
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&forceApply, "force-apply", false, "apply without confirmation")
	f.BoolVar(&forceReverseDivergent, "force-reverse-divergent", false, "reverse divergent migrations without confirmation")
	f.BoolVar(&forceApplyIrreversible, "force-apply-irreversible", false, "apply irreversible migrations without confirmation")
	return cmd
}

func (c *cli) downCmd() *cobra.Command {
	var forceReverse bool
	cmd := &cobra.Command{
		Use:   "down <target>",
		Short: "Reverse migrations down to and including target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hooks := c.progressHooks(&nomad.Hooks{
				CanReverseMigrations: c.gate(forceReverse,
					"The following migrations will be reversed:",
					"Reverse migrations?"),
			})
			return c.run(cmd.Context(), true, func(ctx context.Context, n *nomad.Nomad) error {
				if err := n.Down(ctx, args[0], hooks); err != nil {
					return explain(err)
				}
				fmt.Fprintf(c.out, "reversed down to %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&forceReverse, "force-reverse", false, "reverse without confirmation")
	return cmd
}

func (c *cli) setHeadCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set-head <target|none>",
		Short: "Mark migrations applied up to target without running them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hooks := &nomad.Hooks{
				CanMarkMigrations: func(_ context.Context, toUnapply, toApply []*nomad.Migration) (bool, error) {
					if c.silent || force {
						return true, nil
					}
					fmt.Fprintln(c.out, "No migration code will run; only the recorded state changes.")
					fmt.Fprintln(c.out, "The following migrations will be marked unapplied:")
					c.listMigrations("- ", toUnapply)
					fmt.Fprintln(c.out, "The following migrations will be marked applied:")
					c.listMigrations("+ ", toApply)
					return c.confirm("Are you sure you want to continue?")
				},
			}
			return c.run(cmd.Context(), true, func(ctx context.Context, n *nomad.Nomad) error {
				if err := n.SetHead(ctx, args[0], hooks); err != nil {
					return explain(err)
				}
				fmt.Fprintf(c.out, "head set to %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force-set-head", false, "set head without confirmation")
	return cmd
}

// explain adds guidance to errors a user can act on.
func explain(err error) error {
	switch nomad.KindOf(err) {
	case nomad.ErrAbortApplyMigration, nomad.ErrAbortReverseDivergentMigration,
		nomad.ErrAbortIrreversibleMigration, nomad.ErrAbortReverseMigration, nomad.ErrAbortUnmarkMigration:
		return fmt.Errorf("aborted: %w", err)
	case nomad.ErrIrreversibleDivergentMigration:
		return fmt.Errorf("%w\nrestore the applied script or use set-head to record the current state", err)
	}
	return err
}
