package completion

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// Shell meta-commands and the kind of argument they complete
const (
	CmdConnect    = ".connect"
	CmdTables     = ".tables"
	CmdViews      = ".views"
	CmdFields     = ".fields"
	CmdJoins      = ".joins"
	CmdReferences = ".references"
	CmdForeignKey = ".fks"
	CmdDescribe   = ".describe"
	CmdSample     = ".sample"
	CmdExpand     = ".expand"
	CmdRefresh    = ".refresh"
	CmdFlush      = ".flush"
	CmdFormat     = ".format"
	CmdHelp       = ".help"
	CmdQuit       = ".quit"
)

// formats understood by the .format command
var formats = []string{"csv", "table"}

// sqlKeywords offered alongside table and column names
var sqlKeywords = []string{
	"all", "and", "as", "asc", "between", "by", "case", "count", "create",
	"delete", "desc", "distinct", "drop", "else", "end", "exists", "from",
	"group", "having", "in", "inner", "insert", "into", "is", "join", "left",
	"like", "limit", "not", "null", "offset", "on", "or", "order", "outer",
	"right", "select", "set", "table", "then", "union", "update", "values",
	"when", "where", "with",
}

// Completer produces tab completions for shell input from the current schema model
type Completer struct {
	db        func() *models.Database
	nicknames []string
	handlers  map[string]func(db *models.Database, line, symbol string) []string
}

// New creates a completer. db is called on every completion so that the
// latest model is used; it may return nil while nothing is known yet.
func New(db func() *models.Database, nicknames []string) *Completer {
	c := &Completer{db: db, nicknames: append([]string(nil), nicknames...)}
	sort.Strings(c.nicknames)

	tableName := func(db *models.Database, _, symbol string) []string {
		return matchPrefix(symbol, db.TableNames())
	}
	tableDotField := func(db *models.Database, _, symbol string) []string {
		return c.TableDotField(db, symbol)
	}
	c.handlers = map[string]func(*models.Database, string, string) []string{
		CmdConnect: func(_ *models.Database, _, symbol string) []string {
			return matchPrefix(symbol, c.nicknames)
		},
		CmdTables:     tableName,
		CmdViews:      tableName,
		CmdJoins:      tableName,
		CmdForeignKey: tableName,
		CmdDescribe:   tableName,
		CmdSample:     tableName,
		CmdFields:     tableDotField,
		CmdReferences: tableDotField,
		CmdFormat: func(_ *models.Database, _, symbol string) []string {
			return matchPrefix(symbol, formats)
		},
		CmdExpand: func(db *models.Database, _, symbol string) []string {
			return c.JoinShortcut(db, symbol)
		},
	}
	return c
}

// Commands returns the meta-command names in sorted order
func Commands() []string {
	return []string{
		CmdConnect, CmdDescribe, CmdExpand, CmdForeignKey, CmdFields, CmdFlush, CmdFormat, CmdHelp,
		CmdJoins, CmdQuit, CmdReferences, CmdRefresh, CmdSample, CmdTables, CmdViews,
	}
}

// Complete returns the word under the cursor at the end of text and its
// candidate replacements. A candidate that does not start with the word
// replaces it entirely, as with join and select expansions.
func (c *Completer) Complete(text string) (string, []string) {
	symbol := lastWord(text)
	fields := strings.Fields(text)

	// Completing the first word of a meta-command
	if len(fields) == 1 && symbol != "" && strings.HasPrefix(symbol, ".") {
		return symbol, matchPrefix(symbol, Commands())
	}

	if len(fields) > 0 && (fields[0] == CmdConnect || fields[0] == CmdFormat) {
		return symbol, c.handlers[fields[0]](nil, text, symbol)
	}

	var db *models.Database
	if c.db != nil {
		db = c.db()
	}
	if db == nil {
		return symbol, nil
	}

	if len(fields) > 0 {
		if handler, ok := c.handlers[strings.ToLower(fields[0])]; ok {
			return symbol, handler(db, text, symbol)
		}
	}
	return symbol, c.SQL(db, text, symbol)
}

// SQL completes a word inside an SQL statement
func (c *Completer) SQL(db *models.Database, line, symbol string) []string {
	chunks := strings.Fields(line)
	if len(chunks) == 2 && symbol == chunks[1] {
		first := strings.ToLower(chunks[0])
		if first == "select" || first == "insert" {
			if _, ok := db.Table(symbol); ok || IsValidJoin(db, symbol) {
				return c.ExpandStatement(db, first, symbol)
			}
		}
	}

	if strings.Contains(symbol, JoinOperator) {
		return c.JoinShortcut(db, symbol)
	}
	if strings.Count(symbol, ".") == 1 {
		return c.Dotted(db, symbol, true)
	}

	var words []string
	words = append(words, db.TableNames()...)
	words = append(words, db.FieldNames("", false)...)
	words = append(words, sqlKeywords...)
	return matchPrefix(symbol, words)
}

// TableDotField completes table names and table.column pairs
func (c *Completer) TableDotField(db *models.Database, symbol string) []string {
	if strings.Count(symbol, ".") == 1 {
		return c.Dotted(db, symbol, false)
	}
	return matchPrefix(symbol, db.TableNames())
}

// Dotted completes head.tail. With expansion, table.* becomes the full list
// of that table's dotted columns. An unknown head is treated as an alias and
// completed against every column name.
func (c *Completer) Dotted(db *models.Database, symbol string, expansion bool) []string {
	head, tail, _ := strings.Cut(symbol, ".")
	if _, ok := db.Table(head); ok && expansion && tail == "*" {
		return []string{strings.Join(db.FieldNames(head, true), ", ")}
	}

	if matches := matchPrefix(symbol, db.FieldNames("", true)); len(matches) > 0 {
		return matches
	}

	var matches []string
	for _, field := range matchPrefix(tail, db.FieldNames("", false)) {
		matches = append(matches, head+"."+field)
	}
	return matches
}

// JoinShortcut completes a**b expressions: a trailing ** lists the tables
// that can be joined next, a complete expression expands to its SQL, and a
// partial last table is matched against the joinable tables
func (c *Completer) JoinShortcut(db *models.Database, symbol string) []string {
	if strings.HasSuffix(symbol, JoinOperator) {
		var matches []string
		for _, t := range JoinCandidates(db, symbol) {
			matches = append(matches, symbol+t)
		}
		return matches
	}

	if expanded, ok := ExpandJoin(db, symbol); ok {
		return []string{expanded}
	}

	i := strings.LastIndex(symbol, JoinOperator)
	start, partial := symbol[:i], symbol[i+len(JoinOperator):]
	var matches []string
	for _, t := range matchPrefix(partial, JoinCandidates(db, start)) {
		matches = append(matches, start+JoinOperator+t)
	}
	return matches
}

// ExpandStatement expands "select <joinexpr>" to a select list with its from
// clause and "insert <table>" to an insert template
func (c *Completer) ExpandStatement(db *models.Database, verb, target string) []string {
	switch verb {
	case "select":
		tables := strings.Split(target, JoinOperator)
		columns := make([]string, len(tables))
		for i, t := range tables {
			columns[i] = t + ".*"
		}
		from := target
		if expanded, ok := ExpandJoin(db, target); ok {
			from = expanded
		}
		return []string{strings.Join(columns, ", ") + " from " + from}
	case "insert":
		stmt := db.InsertStatement(target)
		if stmt == "" {
			return nil
		}
		return []string{strings.TrimPrefix(stmt, "insert ")}
	}
	return nil
}

// lastWord returns the word ending at the end of text, or "" after whitespace
func lastWord(text string) string {
	if r, _ := utf8.DecodeLastRuneInString(text); text == "" || unicode.IsSpace(r) {
		return ""
	}
	fields := strings.Fields(text)
	return fields[len(fields)-1]
}

// matchPrefix returns the sorted distinct words starting with prefix
func matchPrefix(prefix string, words []string) []string {
	seen := make(map[string]bool)
	var matches []string
	for _, w := range words {
		if strings.HasPrefix(w, prefix) && !seen[w] {
			seen[w] = true
			matches = append(matches, w)
		}
	}
	sort.Strings(matches)
	return matches
}
