// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "tagsync/internal/storage/mssql"
	_ "tagsync/internal/storage/postgres"
	_ "tagsync/internal/storage/sqlite"
)
