package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/vitebski/sqlmeta/internal/completion"
	"github.com/vitebski/sqlmeta/internal/generator"
	"github.com/vitebski/sqlmeta/internal/metadata"
	"github.com/vitebski/sqlmeta/internal/utils"
	"github.com/vitebski/sqlmeta/pkg/models"
)

const (
	prompt         = "sqlmeta> "
	continuePrompt = "     ...> "
	historyFile    = "history"
)

// Statements whose first word marks them as returning rows
var queryVerbs = map[string]bool{
	"select": true, "with": true, "show": true, "pragma": true,
	"explain": true, "describe": true, "values": true, "table": true,
}

// Statements after which the cached schema is out of date
var ddlVerbs = map[string]bool{"create": true, "alter": true, "drop": true, "rename": true}

// shell is the interactive loop. The readline completer runs on its own
// goroutine, so the current connection is guarded by mu.
type shell struct {
	app    *app
	ctx    context.Context
	mu     sync.Mutex
	format string
	gen    *generator.DataGenerator
}

func newShell(a *app) *shell {
	return &shell{
		app:    a,
		format: utils.FormatTable,
		gen:    generator.NewDataGenerator(a.logger),
	}
}

// model returns the cached model of the current connection without waiting
// for reflection. It is the completer's view of the schema.
func (s *shell) model() *models.Database {
	s.mu.Lock()
	conn := s.app.conn
	s.mu.Unlock()

	db, err := s.app.accessor.GetMetadata(s.ctx, conn, metadata.FetchOptions{})
	if err != nil {
		s.app.logger.Debugf("No metadata for completion: %v", err)
		return nil
	}
	return db
}

func (s *shell) run(ctx context.Context) error {
	s.ctx = ctx
	out := s.app.out

	// Warm the cache before the first prompt
	s.model()

	completer := completion.New(s.model, s.app.cfg.ConnectionNames())
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(s.app.cfg.ProfileDir, historyFile),
		AutoComplete:    completer.AutoCompleter(),
		Listener:        completer,
		InterruptPrompt: "^C",
		EOFPrompt:       completion.CmdQuit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize shell: %w", err)
	}
	defer func() { _ = rl.Close() }()

	fmt.Fprintf(out, "Connected to %s\n", s.app.conn)
	fmt.Fprintln(out, "Type .help for commands, .quit to exit")
	fmt.Fprintln(out)

	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			buf.Reset()
			rl.SetPrompt(prompt)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if buf.Len() == 0 && strings.HasPrefix(line, ".") {
			if quit := s.command(line); quit {
				return nil
			}
			continue
		}

		// Accumulate multi-line SQL until semicolon
		buf.WriteString(line)
		if !strings.HasSuffix(line, ";") {
			buf.WriteString(" ")
			rl.SetPrompt(continuePrompt)
			continue
		}
		rl.SetPrompt(prompt)

		statement := strings.TrimSuffix(buf.String(), ";")
		buf.Reset()
		if err := s.execute(statement); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// execute runs one SQL statement against the current connection
func (s *shell) execute(statement string) error {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToLower(fields[0])
	out := s.app.out

	if queryVerbs[verb] {
		columns, rows, err := s.app.conn.ExecuteQuery(s.ctx, statement)
		if err != nil {
			return err
		}
		return utils.PrintQueryResult(out, s.format, columns, rows)
	}

	affected, err := s.app.conn.ExecuteStatement(s.ctx, statement)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "(%d rows affected)\n", affected)

	if ddlVerbs[verb] {
		s.app.logger.Debugf("Schema changed by %s statement, refreshing metadata", verb)
		if _, err := s.app.accessor.GetMetadata(s.ctx, s.app.conn, metadata.FetchOptions{Force: true}); err != nil {
			s.app.logger.Warningf("Failed to refresh metadata: %v", err)
		}
	}
	return nil
}

// command handles a dot command. It reports whether the shell should exit.
func (s *shell) command(line string) bool {
	parts := strings.Fields(line)
	name := strings.ToLower(parts[0])
	args := parts[1:]
	out := s.app.out

	usage := func(text string) {
		fmt.Fprintf(os.Stderr, "Usage: %s %s\n", name, text)
	}
	fail := func(err error) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	switch name {
	case completion.CmdQuit, ".exit":
		return true

	case completion.CmdHelp:
		printShellHelp(out)
		return false

	case completion.CmdConnect:
		if len(args) != 1 {
			usage("<connection>")
			return false
		}
		s.connect(args[0])
		return false

	case completion.CmdFormat:
		if len(args) != 1 || (args[0] != utils.FormatTable && args[0] != utils.FormatCSV) {
			usage(strings.Join(utils.Formats, "|"))
			return false
		}
		s.format = args[0]
		return false

	case completion.CmdFlush:
		if err := s.app.accessor.Flush(s.ctx, s.app.conn); err != nil {
			fail(err)
			return false
		}
		fmt.Fprintln(out, "Metadata flushed")
		return false

	case completion.CmdRefresh:
		db, err := s.app.metadata(s.ctx, true)
		if err != nil {
			fail(err)
			return false
		}
		utils.PrintSummary(out, s.app.conn.String(), db, false)
		return false
	}

	db := s.model()
	if db == nil {
		fmt.Fprintln(os.Stderr, "No metadata available yet")
		return false
	}
	if s.app.accessor.Reflecting(s.app.conn) && db.IsEmpty() {
		fmt.Fprintln(os.Stderr, "Reading schema, try again in a moment")
		return false
	}

	switch name {
	case completion.CmdTables, completion.CmdViews:
		tables := db.Tables()
		if name == completion.CmdViews {
			tables = db.Views()
		}
		if len(args) > 0 {
			tables = filterTables(tables, args[0])
		}
		utils.PrintTables(out, tables)

	case completion.CmdFields:
		table := ""
		if len(args) > 0 {
			table, _, _ = strings.Cut(args[0], ".")
		}
		for _, field := range db.FieldNames(table, true) {
			fmt.Fprintln(out, field)
		}

	case completion.CmdJoins:
		switch len(args) {
		case 1:
			utils.PrintForeignKeys(out, db.AllJoins(args[0]))
		case 2:
			utils.PrintForeignKeys(out, db.GetJoins(args[0], args[1]))
		default:
			usage("<table> [other]")
		}

	case completion.CmdReferences:
		if len(args) != 1 {
			usage("<table[.column]>")
			break
		}
		table, column, _ := strings.Cut(args[0], ".")
		utils.PrintForeignKeys(out, db.FieldsReferencing(table, column))

	case completion.CmdForeignKey:
		if len(args) != 1 {
			usage("<table>")
			break
		}
		utils.PrintForeignKeys(out, db.ForeignKeys(args[0]))

	case completion.CmdDescribe:
		if len(args) != 1 {
			usage("<table>")
			break
		}
		tbl, err := lookupTable(db, args[0])
		if err != nil {
			fail(err)
			break
		}
		utils.PrintDescribe(out, tbl, db.FieldsReferencing(tbl.Name, ""))

	case completion.CmdSample:
		if len(args) != 1 {
			usage("<table>")
			break
		}
		if _, err := lookupTable(db, args[0]); err != nil {
			fail(err)
			break
		}
		fmt.Fprintln(out, s.gen.SampleInsert(db, args[0]))

	case completion.CmdExpand:
		if len(args) != 1 {
			usage("<t1**t2**...>")
			break
		}
		expanded, ok := completion.ExpandJoin(db, args[0])
		if !ok {
			fail(fmt.Errorf("cannot expand %q", args[0]))
			break
		}
		fmt.Fprintln(out, expanded)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s (type .help for commands)\n", name)
	}
	return false
}

// connect switches the shell to a saved connection
func (s *shell) connect(name string) {
	url, ok := s.app.cfg.Connections[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown connection %q, known connections: %s\n",
			name, strings.Join(s.app.cfg.ConnectionNames(), ", "))
		return
	}

	s.mu.Lock()
	err := s.app.connect(s.ctx, url)
	s.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.app.out, "Connected to %s\n", s.app.conn)
	s.model()
}

func printShellHelp(w io.Writer) {
	help := `
Commands:
  .tables [prefix]          List tables and views
  .views [prefix]           List views
  .fields [table]           List table.column names
  .describe <table>         Show columns, indexes and references of a table
  .joins <table> [other]    Show foreign keys joining tables
  .references <t[.col]>     Show foreign keys pointing at a table or column
  .fks <table>              Show foreign keys declared on a table
  .sample <table>           Print an insert statement with sample values
  .expand <t1**t2>          Expand a join shortcut
  .refresh                  Reflect the database now
  .flush                    Delete the cached metadata
  .format csv|table         Set the query result format
  .connect <name>           Switch to a saved connection
  .quit / .exit             Exit the shell

Tips:
  - SQL statements must end with a semicolon (;)
  - Tab completes tables, columns and keywords
  - Tab after "select t1**t2" expands the join
`
	fmt.Fprintln(w, help)
}
