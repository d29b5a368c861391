package dialect

import (
	"fmt"
	"strings"
)

// JSONExtract returns the SQL fragment to extract a top-level JSON value.
//
//	SQLite:   json_extract(col, '$.key')
//	Postgres: col::jsonb->>'key'
func JSONExtract(driver, col, key string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, key)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, key)
}

// JSONExtractIsNotNull returns the SQL fragment to check that a JSON key is not null.
func JSONExtractIsNotNull(driver, col, key string) string {
	return JSONExtract(driver, col, key) + " IS NOT NULL"
}

// JSONPathExtract returns the SQL fragment to extract a nested JSON value.
// Path segments are quoted on SQLite so keys containing dashes or dots
// resolve correctly.
//
//	SQLite:   json_extract(col, '$."a"."b"')
//	Postgres: col::jsonb#>>'{a,b}'
func JSONPathExtract(driver, col string, path ...string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb#>>'{%s}'", col, strings.Join(path, ","))
	}
	quoted := make([]string, len(path))
	for i, segment := range path {
		quoted[i] = `"` + segment + `"`
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, strings.Join(quoted, "."))
}
