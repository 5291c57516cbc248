package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TypeClass is a coarse category derived from a driver-reported column type.
// Classification is a best-effort heuristic over free-text type names, not a
// type system.
type TypeClass int

const (
	UnknownType TypeClass = iota
	TemporalType
	StringType
	NumericType
	BooleanType
)

// String returns the class name
func (c TypeClass) String() string {
	switch c {
	case TemporalType:
		return "temporal"
	case StringType:
		return "string"
	case NumericType:
		return "numeric"
	case BooleanType:
		return "boolean"
	default:
		return "unknown"
	}
}

type typeRule struct {
	pattern *regexp.Regexp
	class   TypeClass
}

// typeRules are tried in order; the first match wins. Temporal comes first so
// that "timestamp" is never taken for something else.
var typeRules = []typeRule{
	{regexp.MustCompile(`(?i)^(date|time|datetime|timestamp|timestamptz|timetz|smalldatetime|datetime2)\b`), TemporalType},
	{regexp.MustCompile(`(?i)^(text|tinytext|mediumtext|longtext|varchar|nvarchar|varchar2|nvarchar2|char|nchar|character|citext|clob|nclob|string)\b`), StringType},
	{regexp.MustCompile(`(?i)^(tinyint|smallint|mediumint|bigint|int\d*|integer|float\d*|real|double|decimal|numeric|number|fixed|short|serial|bigserial|smallserial|money|hugeint|ubigint|uinteger)\b`), NumericType},
	{regexp.MustCompile(`(?i)^(bool|boolean)\b`), BooleanType},
}

// ClassifyType returns the class of a raw declared type such as "VARCHAR(10)".
// Array types such as "integer[]" are Unknown.
func ClassifyType(declared string) TypeClass {
	typ := strings.TrimSpace(declared)
	if strings.HasSuffix(typ, "]") {
		return UnknownType
	}
	for _, rule := range typeRules {
		if rule.pattern.MatchString(typ) {
			return rule.class
		}
	}
	return UnknownType
}

var rawDefault = regexp.MustCompile(`(?i)^(null|true|false|current_date|current_time|current_timestamp|localtime|localtimestamp)$`)

// SQLDefault returns a literal that is acceptable in an INSERT for column.
// A declared default wins, then NULL for nullable columns, then a
// placeholder chosen by type class. Unknown types yield an empty string.
func SQLDefault(c Column) string {
	if def := c.DefaultValue(); def != "" {
		return defaultLiteral(def)
	}
	if c.Nullable {
		return "NULL"
	}

	switch ClassifyType(c.Type) {
	case TemporalType:
		head := strings.ToLower(strings.Fields(c.Type)[0])
		switch {
		case head == "date":
			return "current_date"
		case strings.HasPrefix(head, "time") && !strings.HasPrefix(head, "timestamp"):
			return "current_time"
		default:
			return "current_timestamp"
		}
	case StringType:
		return "'hello'"
	case NumericType:
		return "0"
	case BooleanType:
		return "false"
	default:
		return ""
	}
}

// defaultLiteral quotes a declared default unless it is already a literal or expression
func defaultLiteral(def string) string {
	if _, err := strconv.ParseFloat(def, 64); err == nil {
		return def
	}
	if strings.HasPrefix(def, "'") || strings.Contains(def, "(") || rawDefault.MatchString(def) {
		return def
	}
	return "'" + strings.ReplaceAll(def, "'", "''") + "'"
}

// InsertStatement renders an INSERT template for table with a plausible
// literal per column, or an empty string for an unknown table
func (db *Database) InsertStatement(table string) string {
	t, ok := db.Table(table)
	if !ok {
		return ""
	}

	columns := make([]string, 0, len(t.Columns))
	values := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		columns = append(columns, c.Name)
		values = append(values, SQLDefault(c))
	}
	return fmt.Sprintf("insert into %s (%s) values (%s)",
		table, strings.Join(columns, ", "), strings.Join(values, ", "))
}
