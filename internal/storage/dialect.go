package storage

import (
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported backends
type dialect struct {
	name      string
	numbered  bool   // $1, $2 placeholders instead of ?
	least     string // MIN for sqlite scalars, LEAST for postgres
	greatest  string
	bigint    string // cast applied to untyped parameters in INSERT ... SELECT
	textParam string

	// queryIDConflict reports a unique violation on liquidation_tasks.query_id
	queryIDConflict func(error) bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		least:    "MIN",
		greatest: "MAX",

		queryIDConflict: sqliteQueryIDConflict,
	}

	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		least:     "LEAST",
		greatest:  "GREATEST",
		bigint:    "::BIGINT",
		textParam: "::TEXT",

		queryIDConflict: postgresQueryIDConflict,
	}
)

// rebind rewrites ? placeholders for dialects with numbered parameters
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
