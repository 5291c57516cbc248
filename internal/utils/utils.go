package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// Output formats for query results
const (
	FormatTable = "table"
	FormatCSV   = "csv"
)

// Formats lists the supported query result formats
var Formats = []string{FormatCSV, FormatTable}

// SetupLogging configures the logging system. Logs go to stderr so that
// command output on stdout stays clean.
func SetupLogging(logLevel string) *logrus.Logger {
	logger := logrus.New()

	// Get log level from parameter or environment variable
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("SQLMETA_LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stderr)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// LoadEnvironmentVariables loads environment variables from a .env file if
// it exists. It reports whether a file was loaded.
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) bool {
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		sampleEnvFile := envFile + ".sample"
		if _, err := os.Stat(sampleEnvFile); err == nil {
			logger.Infof("No %s file found, but %s exists. Consider copying %s to %s and updating it.",
				envFile, sampleEnvFile, sampleEnvFile, envFile)
		}
		logger.Debugf("No %s file found, using existing environment variables", envFile)
		return false
	}

	if err := godotenv.Load(envFile); err != nil {
		logger.Warningf("Error loading %s file: %v", envFile, err)
		return false
	}
	logger.Debugf("Loaded environment variables from %s", envFile)

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, env := range os.Environ() {
			if !strings.HasPrefix(env, "SQLMETA_") && !strings.HasPrefix(env, "MYSQL_") {
				continue
			}
			name, value, _ := strings.Cut(env, "=")
			if strings.Contains(name, "PASSWORD") {
				value = "********"
			}
			logger.Debugf("%s=%s", name, value)
		}
	}
	return true
}

// PrintTables prints one row per table or view
func PrintTables(w io.Writer, tables []*models.Table) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Name", "Kind", "Columns", "Modified"})
	for _, tbl := range tables {
		kind := "table"
		if tbl.IsView {
			kind = "view"
		}
		t.AppendRow(table.Row{tbl.Name, kind, len(tbl.Columns), formatTime(tbl.Modified)})
	}
	t.Render()
}

// PrintDescribe prints the columns and indexes of a table
func PrintDescribe(w io.Writer, tbl *models.Table, referencedBy []models.ForeignKey) {
	kind := "Table"
	if tbl.IsView {
		kind = "View"
	}
	fmt.Fprintf(w, "%s %s\n", kind, tbl.Name)

	t := newTable(w)
	t.AppendHeader(table.Row{"Column", "Type", "Class", "Nullable", "Key", "Default", "References"})
	for _, c := range tbl.Columns {
		key := ""
		if c.PrimaryKey {
			key = "PK"
		}
		ref := ""
		if c.References != nil {
			ref = c.References.String()
		}
		t.AppendRow(table.Row{c.Name, c.Type, models.ClassifyType(c.Type), c.Nullable, key, c.DefaultValue(), ref})
	}
	t.Render()

	if len(tbl.Indexes) > 0 {
		idx := newTable(w)
		idx.AppendHeader(table.Row{"Index", "Unique", "Columns"})
		for _, i := range tbl.Indexes {
			idx.AppendRow(table.Row{i.Name, i.Unique, strings.Join(i.Columns, ", ")})
		}
		idx.Render()
	}

	if len(referencedBy) > 0 {
		fmt.Fprintln(w, "Referenced by:")
		for _, fk := range referencedBy {
			fmt.Fprintf(w, "  %s\n", fk)
		}
	}
}

// PrintForeignKeys prints foreign keys with the join they imply
func PrintForeignKeys(w io.Writer, fks []models.ForeignKey) {
	if len(fks) == 0 {
		fmt.Fprintln(w, "(no foreign keys)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Foreign key", "Join"})
	for _, fk := range fks {
		t.AppendRow(table.Row{fk.String(), fk.AsJoin(false)})
	}
	t.Render()
}

// PrintSummary prints what is known about a database and how fresh it is
func PrintSummary(w io.Writer, name string, db *models.Database, reflecting bool) {
	tables, views, columns, fks := 0, 0, 0, 0
	for _, tbl := range db.Tables() {
		if tbl.IsView {
			views++
		} else {
			tables++
		}
		columns += len(tbl.Columns)
		fks += len(db.ForeignKeys(tbl.Name))
	}

	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "SCHEMA METADATA: %s\n", name)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Tables: %d\n", tables)
	fmt.Fprintf(w, "Views: %d\n", views)
	fmt.Fprintf(w, "Columns: %d\n", columns)
	fmt.Fprintf(w, "Foreign keys: %d\n", fks)
	if db.IsEmpty() {
		fmt.Fprintln(w, "Last reflected: never")
	} else {
		fmt.Fprintf(w, "Last reflected: %s (%s ago)\n", formatTime(db.Modified()), db.Age().Round(time.Second))
	}
	if reflecting {
		fmt.Fprintln(w, "Refresh in progress")
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintQueryResult prints query rows as a table or as CSV
func PrintQueryResult(w io.Writer, format string, columns []string, rows []map[string]interface{}) error {
	if format == FormatCSV {
		cw := csv.NewWriter(w)
		if err := cw.Write(columns); err != nil {
			return err
		}
		for _, row := range rows {
			record := make([]string, len(columns))
			for i, col := range columns {
				record[i] = formatValue(row[col])
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	t := newTable(w)
	header := make(table.Row, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	t.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i, col := range columns {
			r[i] = formatValue(row[col])
		}
		t.AppendRow(r)
	}
	t.Render()
	fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
