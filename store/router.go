package store

import "strings"

// operationalRoots are the path namespaces routed to the operational table:
// job execution and output, dictionaries, cube statistics, bad queries,
// external snapshots and temp statements. Everything else is general
// metadata. The set is fixed; routing must be stable across restarts.
var operationalRoots = []string{
	"/bad_query",
	"/cube_statistics",
	"/dict",
	"/execute",
	"/execute_output",
	"/ext_snapshot",
	"/temp_statement",
}

// Router maps a resource path to one of the two physical tables.
// It is a pure function over the path: no I/O, deterministic.
type Router struct {
	general     string
	operational string
}

// NewRouter creates a Router over the given table names.
func NewRouter(general, operational string) Router {
	return Router{general: general, operational: operational}
}

// Table returns the physical table holding the given path.
func (r Router) Table(path string) string {
	for _, root := range operationalRoots {
		if strings.HasPrefix(path, root) {
			return r.operational
		}
	}
	return r.general
}

// Tables returns all managed tables, general first.
func (r Router) Tables() []string {
	return []string{r.general, r.operational}
}
