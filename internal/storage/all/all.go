// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "tablekit/internal/storage/mssql"
	_ "tablekit/internal/storage/postgres"
	_ "tablekit/internal/storage/sqlite"
)
