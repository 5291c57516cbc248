package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vitebski/sqlmeta/internal/completion"
	"github.com/vitebski/sqlmeta/internal/config"
	"github.com/vitebski/sqlmeta/internal/connector"
	"github.com/vitebski/sqlmeta/internal/generator"
	"github.com/vitebski/sqlmeta/internal/metadata"
	"github.com/vitebski/sqlmeta/internal/utils"
	"github.com/vitebski/sqlmeta/pkg/models"
)

// app holds what every command needs once the root command has run
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	conn     *connector.DatabaseConnector
	accessor *metadata.Accessor
	out      io.Writer
}

func main() {
	a := &app{out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:   "sqlmeta",
		Short: "Schema metadata cache and completion for SQL databases",
		Long: `sqlmeta

Keeps a local cache of a database's tables, columns, indexes and foreign keys,
refreshes it in the background, and answers schema questions from it: which
tables join, what references a column, how to expand a join shortcut.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	config.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		a.tablesCmd(false),
		a.tablesCmd(true),
		a.fieldsCmd(),
		a.joinsCmd(),
		a.referencesCmd(),
		a.foreignKeysCmd(),
		a.describeCmd(),
		a.insertCmd(),
		a.expandCmd(),
		a.statusCmd(),
		a.refreshCmd(),
		a.flushCmd(),
		a.shellCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration, connects and creates the metadata accessor
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	flags := cmd.Flags()

	logLevel, _ := flags.GetString("log-level")
	a.logger = utils.SetupLogging(logLevel)

	envFile, _ := flags.GetString("env-file")
	if envFile == "" {
		envFile = ".env"
	}
	utils.LoadEnvironmentVariables(envFile, a.logger)

	cfgFile, _ := flags.GetString("config")
	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = utils.SetupLogging(cfg.LogLevel)
	if cfg.File != "" {
		a.logger.Debugf("Using config file %s", cfg.File)
	}

	url, err := cfg.ResolveURL()
	if err != nil {
		return err
	}
	if err := a.connect(cmd.Context(), url); err != nil {
		return err
	}

	a.accessor = metadata.New(metadata.Options{
		ProfileDir:  cfg.ProfileDir,
		MaxCacheAge: cfg.MaxCacheAge,
		Workers:     cfg.Workers,
	}, a.logger)
	return nil
}

// connect opens url, or the MYSQL_* environment when url is empty
func (a *app) connect(ctx context.Context, url string) error {
	var (
		conn *connector.DatabaseConnector
		err  error
	)
	if url == "" {
		conn, err = connector.FromEnvironment(a.logger)
	} else {
		conn, err = connector.NewDatabaseConnector(url, a.logger)
	}
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", conn, err)
	}

	if a.conn != nil {
		a.conn.Disconnect()
	}
	a.conn = conn
	return nil
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	return a.shutdown(cmd.Context())
}

// shutdown gives a refresh started by this command up to refresh_grace to
// reach the store, then closes the accessor and the connection
func (a *app) shutdown(ctx context.Context) error {
	if a.accessor == nil {
		return nil
	}
	if a.cfg.RefreshGrace > 0 && a.accessor.Reflecting(a.conn) {
		a.logger.Infof("Finishing metadata refresh (up to %s)", a.cfg.RefreshGrace)
		waitCtx, cancel := context.WithTimeout(ctx, a.cfg.RefreshGrace)
		if err := a.accessor.Await(waitCtx, a.conn); err != nil {
			a.logger.Warningf("Metadata refresh did not finish: %v", err)
		}
		cancel()
	}

	err := a.accessor.Close()
	a.conn.Disconnect()
	return err
}

// metadata returns the schema model of the current connection. A cold start
// with nothing cached waits for the first reflection, as does --wait.
func (a *app) metadata(ctx context.Context, force bool) (*models.Database, error) {
	db, err := a.accessor.GetMetadata(ctx, a.conn, metadata.FetchOptions{Noisy: true, Force: force})
	if err != nil {
		return nil, err
	}
	if force || a.cfg.Wait || db.IsEmpty() {
		if err := a.accessor.Await(ctx, a.conn); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// lookupTable returns the named table or view
func lookupTable(db *models.Database, name string) (*models.Table, error) {
	tbl, ok := db.Table(name)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return tbl, nil
}

func (a *app) tablesCmd(views bool) *cobra.Command {
	use, short := "tables [prefix]", "List tables and views"
	if views {
		use, short = "views [prefix]", "List views"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			tables := db.Tables()
			if views {
				tables = db.Views()
			}
			if len(args) == 1 {
				tables = filterTables(tables, args[0])
			}
			utils.PrintTables(a.out, tables)
			return nil
		},
	}
}

func filterTables(tables []*models.Table, prefix string) []*models.Table {
	var matched []*models.Table
	for _, t := range tables {
		if strings.HasPrefix(t.Name, prefix) {
			matched = append(matched, t)
		}
	}
	return matched
}

func (a *app) fieldsCmd() *cobra.Command {
	var dotted bool
	cmd := &cobra.Command{
		Use:   "fields [table]",
		Short: "List column names of a table, or of every table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			table := ""
			if len(args) == 1 {
				table = args[0]
				if _, err := lookupTable(db, table); err != nil {
					return err
				}
			}
			for _, name := range db.FieldNames(table, dotted) {
				fmt.Fprintln(a.out, name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dotted, "dotted", false, "Print names as table.column")
	return cmd
}

func (a *app) joinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "joins <table> [other]",
		Short: "Show the foreign keys joining two tables, or every join of one table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				utils.PrintForeignKeys(a.out, db.AllJoins(args[0]))
				return nil
			}

			joins := db.GetJoins(args[0], args[1])
			if len(joins) == 0 {
				if path := db.JoinPath(args[0], args[1]); len(path) > 2 {
					fmt.Fprintf(a.out, "No direct join, shortest path: %s\n", strings.Join(path, " -> "))
					return nil
				}
			}
			utils.PrintForeignKeys(a.out, joins)
			return nil
		},
	}
}

func (a *app) referencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "references <table[.column]>",
		Short: "Show the foreign keys that point at a table or column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			table, column, _ := strings.Cut(args[0], ".")
			utils.PrintForeignKeys(a.out, db.FieldsReferencing(table, column))
			return nil
		},
	}
}

func (a *app) foreignKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "foreign-keys <table>",
		Aliases: []string{"fks"},
		Short:   "Show the foreign keys declared on a table",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			if _, err := lookupTable(db, args[0]); err != nil {
				return err
			}
			utils.PrintForeignKeys(a.out, db.ForeignKeys(args[0]))
			return nil
		},
	}
}

func (a *app) describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <table>",
		Short: "Show the columns, indexes and references of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			tbl, err := lookupTable(db, args[0])
			if err != nil {
				return err
			}
			utils.PrintDescribe(a.out, tbl, db.FieldsReferencing(tbl.Name, ""))
			return nil
		},
	}
}

func (a *app) insertCmd() *cobra.Command {
	var (
		sample bool
		seed   int64
	)
	cmd := &cobra.Command{
		Use:   "insert <table>",
		Short: "Print an insert statement template for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			if _, err := lookupTable(db, args[0]); err != nil {
				return err
			}
			if !sample {
				fmt.Fprintln(a.out, db.InsertStatement(args[0]))
				return nil
			}

			dg := generator.NewDataGenerator(a.logger)
			if cmd.Flags().Changed("seed") {
				dg = generator.NewDataGeneratorWithSeed(seed, a.logger)
			}
			fmt.Fprintln(a.out, dg.SampleInsert(db, args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&sample, "sample", false, "Fill the values with generated sample data")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for repeatable sample data")
	return cmd
}

func (a *app) expandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expand <t1**t2**...>",
		Short: "Expand a join shortcut into inner join clauses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			expanded, ok := completion.ExpandJoin(db, args[0])
			if !ok {
				return fmt.Errorf("cannot expand %q: unknown table or no join path", args[0])
			}
			fmt.Fprintln(a.out, expanded)
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what is cached for the connection and how old it is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.metadata(cmd.Context(), false)
			if err != nil {
				return err
			}
			utils.PrintSummary(a.out, a.conn.String(), db, a.accessor.Reflecting(a.conn))
			return nil
		},
	}
}

func (a *app) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reflect the database now and update the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.metadata(cmd.Context(), true)
			if err != nil {
				return err
			}
			utils.PrintSummary(a.out, a.conn.String(), db, false)
			return nil
		},
	}
}

func (a *app) flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Delete the cached metadata of the connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.accessor.Flush(cmd.Context(), a.conn); err != nil {
				return err
			}
			a.logger.Infof("Flushed metadata for %s", a.conn)
			return nil
		},
	}
}

func (a *app) shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive SQL shell with schema completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newShell(a).run(cmd.Context())
		},
	}
}
