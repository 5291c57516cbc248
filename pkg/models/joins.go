package models

import (
	"sort"

	"github.com/yourbasic/graph"
)

// JoinPath returns the shortest chain of tables linking from to to, where
// consecutive tables are related by a foreign key in either direction. The
// result starts with from and ends with to; it is nil when no chain exists
// or either table is unknown.
func (db *Database) JoinPath(from, to string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if _, ok := db.tables[from]; !ok {
		return nil
	}
	if _, ok := db.tables[to]; !ok {
		return nil
	}
	if from == to {
		return []string{from}
	}

	g, names := db.joinGraphLocked()
	src := sort.SearchStrings(names, from)
	dst := sort.SearchStrings(names, to)

	path, dist := graph.ShortestPath(g, src, dst)
	if dist < 0 {
		return nil
	}

	tables := make([]string, len(path))
	for i, v := range path {
		tables[i] = names[v]
	}
	return tables
}

// joinGraphLocked returns the cached undirected join graph, building it on
// first use. Vertices are indexes into the sorted table names. Caller holds db.mu for reading.
func (db *Database) joinGraphLocked() (*graph.Immutable, []string) {
	db.graphMu.Lock()
	defer db.graphMu.Unlock()

	if db.joinGraph != nil {
		return db.joinGraph, db.graphNames
	}

	names := db.namesLocked()
	index := make(map[string]int, len(names))
	for i, name := range names {
		index[name] = i
	}

	g := graph.New(len(names))
	for i, name := range names {
		for _, fk := range foreignKeysOf(db.tables[name]) {
			j, ok := index[fk.RefTable]
			if !ok || i == j {
				continue
			}
			g.AddBothCost(i, j, 1)
		}
	}

	db.joinGraph = graph.Sort(g)
	db.graphNames = names
	return db.joinGraph, db.graphNames
}
