package nitrite

import "sort"

// Migration is one versioned instruction applied when the on-disk schema
// version is behind a Database's configured SchemaVersion. Up runs directly
// against the Database, not inside a transaction: its writes stay in place
// even when a later migration of the same Open fails.
// Version must be strictly greater than
// the schema version it migrates from; Up receives the already-open
// Database (collections, indexes and the transaction engine are all
// usable from inside Up) and performs whatever rewrite that version
// requires.
type Migration struct {
	Version     int
	Description string
	Up          func(*Database) error
}

// applyMigrations runs every migration in cfg.Migrations whose Version is
// greater than the on-disk version and less than or equal to the
// configured target, in ascending version order, persisting the new
// schema version only after every applicable migration has returned
// without error. A migration that fails partway leaves the on-disk
// version exactly where it was, so a retried Open re-runs the whole
// pending set rather than silently skipping the ones that already ran.
func applyMigrations(db *Database, migrations []Migration, from, to int) error {
	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if m.Version > from && m.Version <= to {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		// Nothing to run, but the catalog still has to record the new
		// version so a later Open at a lower version is refused.
		if from < to {
			return db.metadata.SetSchemaVersion(to)
		}
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		db.logger.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")
		if err := m.Up(db); err != nil {
			return wrapErr(KindInternalError, "migration "+m.Description+" failed", err)
		}
	}
	return db.metadata.SetSchemaVersion(to)
}
