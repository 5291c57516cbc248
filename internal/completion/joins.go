package completion

import (
	"sort"
	"strings"

	"github.com/vitebski/sqlmeta/pkg/models"
)

// JoinOperator separates the tables of a join shortcut such as orders**customers
const JoinOperator = "**"

// IsValidJoin reports whether every table of a**b**c after the first is
// directly related by a foreign key to at least one table before it
func IsValidJoin(db *models.Database, expr string) bool {
	if !strings.Contains(expr, JoinOperator) {
		return false
	}

	tables := strings.Split(expr, JoinOperator)
	for len(tables) > 1 {
		tail := tables[len(tables)-1]
		tables = tables[:len(tables)-1]
		if !intersects(db.TablesReferencing(tail), tables) {
			return false
		}
	}
	return true
}

// ExpandJoin renders a**b**c as "a inner join b on ... inner join c on ...".
// Each table is joined to the most recent earlier table it has a foreign key
// with; when none is related directly, the shortest chain of intermediate
// tables is joined in as well. The expression is returned unchanged with
// false when a table is unknown or cannot be reached.
func ExpandJoin(db *models.Database, expr string) (string, bool) {
	if !strings.Contains(expr, JoinOperator) {
		return expr, false
	}
	tables := strings.Split(expr, JoinOperator)
	for _, name := range tables {
		if _, ok := db.Table(name); !ok {
			return expr, false
		}
	}

	var b strings.Builder
	b.WriteString(tables[0])
	joined := []string{tables[0]}

	for _, next := range tables[1:] {
		if fk, ok := directJoin(db, joined, next); ok {
			writeJoin(&b, next, fk)
			joined = append(joined, next)
			continue
		}

		path := shortestPath(db, joined, next)
		if path == nil {
			return expr, false
		}
		for i := 1; i < len(path); i++ {
			fks := db.GetJoins(path[i-1], path[i])
			if len(fks) == 0 {
				return expr, false
			}
			writeJoin(&b, path[i], fks[0])
			joined = append(joined, path[i])
		}
	}
	return b.String(), true
}

// JoinCandidates lists the tables that can extend a partial expression such
// as a**b** because they are directly related to one of its tables
func JoinCandidates(db *models.Database, expr string) []string {
	expr = strings.TrimSuffix(expr, JoinOperator)
	set := make(map[string]bool)
	for _, name := range strings.Split(expr, JoinOperator) {
		for _, other := range db.TablesReferencing(name) {
			set[other] = true
		}
	}

	candidates := make([]string, 0, len(set))
	for name := range set {
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)
	return candidates
}

// directJoin finds a foreign key between next and the latest joined table related to it
func directJoin(db *models.Database, joined []string, next string) (models.ForeignKey, bool) {
	for i := len(joined) - 1; i >= 0; i-- {
		if fks := db.GetJoins(joined[i], next); len(fks) > 0 {
			return fks[0], true
		}
	}
	return models.ForeignKey{}, false
}

// shortestPath returns the shortest join path from any joined table to next
func shortestPath(db *models.Database, joined []string, next string) []string {
	var best []string
	for i := len(joined) - 1; i >= 0; i-- {
		path := db.JoinPath(joined[i], next)
		if path != nil && (best == nil || len(path) < len(best)) {
			best = path
		}
	}
	return best
}

func writeJoin(b *strings.Builder, table string, fk models.ForeignKey) {
	b.WriteString(" inner join ")
	b.WriteString(table)
	b.WriteString(" on ")
	b.WriteString(fk.Condition())
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
