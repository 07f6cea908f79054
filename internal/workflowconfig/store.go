// Package workflowconfig is the Workflow Configuration Store: an
// in-memory cache in front of a modernc.org/sqlite-backed project_settings
// table, keyed by the canonical "__workflow__" user id rather than a real
// per-user row, since a workflow configuration belongs to the project, not
// to whoever last edited it.
//
// Grounded on Factory's internal/db/sqlite.go (WAL mode, versioned
// migrations, pure-Go driver) and on original_source's
// services/workflow_orchestrator/config.py, which defines the exact
// cache-then-db fallback and the two-column (workflow_config,
// agent_pipeline_mappings) schema this store mirrors.
package workflowconfig

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/forgeflow/orchestrator/internal/clock"
	"github.com/forgeflow/orchestrator/internal/model"
)

// canonicalUser is the sentinel project_settings.user_id value a workflow
// configuration is stored under; there is no per-human-user scoping for
// this setting.
const canonicalUser = "__workflow__"

// Store is the two-tier configuration store: an RWMutex-guarded in-memory
// cache backed by sqlite for durability across restarts.
type Store struct {
	db    *sql.DB
	clock clock.Clock

	mu    sync.RWMutex
	cache map[string]*model.WorkflowConfiguration // keyed by project ID
}

// Open opens (creating if necessary) the sqlite database at dbPath and
// runs migrations, mirroring Factory's db.Open.
func Open(dbPath string, c clock.Clock) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrap(err, "create workflow config db directory")
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open workflow config db")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "enable WAL")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "set busy timeout")
	}

	s := &Store{db: db, clock: c, cache: make(map[string]*model.WorkflowConfiguration)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return pkgerrors.Wrap(err, "create migrations table")
	}

	var version int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return pkgerrors.Wrap(err, "read schema version")
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return pkgerrors.Wrapf(err, "migration %d", m.version)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return pkgerrors.Wrapf(err, "record migration %d", m.version)
		}
	}
	return nil
}

// Migration 1: project_settings table. workflow_config carries the full
// configuration as JSON; agent_pipeline_mappings is a legacy column kept
// for rows written before workflow_config existed, and is only consulted
// as a fallback on read.
const migration1 = `
CREATE TABLE IF NOT EXISTS project_settings (
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	workflow_config TEXT,
	agent_pipeline_mappings TEXT,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (project_id, user_id)
);
`

// legacyRow is the shape of the pre-workflow_config-column schema: a bare
// status-name -> agent-slug-list mapping with no other configuration
// fields set.
type legacyRow = map[string][]string

// Get returns the workflow configuration for a project, preferring the
// in-memory cache, then the sqlite-backed workflow_config column, then
// the legacy agent_pipeline_mappings column with defaults backfilled.
// Returns (nil, nil) if nothing has ever been configured for the project.
func (s *Store) Get(projectID string) (*model.WorkflowConfiguration, error) {
	s.mu.RLock()
	cached, ok := s.cache[projectID]
	s.mu.RUnlock()
	if ok {
		clone := cached.Clone()
		return clone, nil
	}

	var workflowConfigJSON, legacyJSON sql.NullString
	row := s.db.QueryRow(
		`SELECT workflow_config, agent_pipeline_mappings FROM project_settings WHERE project_id = ? AND user_id = ?`,
		projectID, canonicalUser,
	)
	switch err := row.Scan(&workflowConfigJSON, &legacyJSON); err {
	case sql.ErrNoRows:
		return nil, nil
	case nil:
		// fall through
	default:
		return nil, pkgerrors.Wrap(err, "query workflow config")
	}

	var cfg model.WorkflowConfiguration
	switch {
	case workflowConfigJSON.Valid && workflowConfigJSON.String != "":
		if err := json.Unmarshal([]byte(workflowConfigJSON.String), &cfg); err != nil {
			return nil, pkgerrors.Wrap(err, "decode workflow_config")
		}
	case legacyJSON.Valid && legacyJSON.String != "":
		var mappings legacyRow
		if err := json.Unmarshal([]byte(legacyJSON.String), &mappings); err != nil {
			return nil, pkgerrors.Wrap(err, "decode legacy agent_pipeline_mappings")
		}
		cfg = backfillFromLegacy(mappings)
		cfg.ProjectID = projectID
		// Persist the upgraded shape so future reads hit workflow_config
		// directly and the legacy column stops being load-bearing.
		if err := s.persist(projectID, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	cfg.ApplyDefaults()
	s.mu.Lock()
	s.cache[projectID] = &cfg
	s.mu.Unlock()

	clone := cfg.Clone()
	return clone, nil
}

func backfillFromLegacy(mappings legacyRow) model.WorkflowConfiguration {
	cfg := model.WorkflowConfiguration{
		StatusNames:   model.DefaultStatusNames(),
		AgentMappings: make(map[string][]model.AgentAssignment, len(mappings)),
	}
	for status, slugs := range mappings {
		assignments := make([]model.AgentAssignment, 0, len(slugs))
		for _, slug := range slugs {
			assignments = append(assignments, model.AgentAssignment{Slug: slug})
		}
		cfg.AgentMappings[status] = assignments
	}
	return cfg
}

// Set validates and persists cfg, updating the cache only after the write
// to sqlite succeeds, so a failed write can't leave a reader trusting
// configuration that was never durably saved.
func (s *Store) Set(projectID string, cfg *model.WorkflowConfiguration) error {
	clone := cfg.Clone()
	clone.ProjectID = projectID
	clone.ApplyDefaults()
	if err := clone.IsValid(); err != nil {
		return err
	}

	if err := s.persist(projectID, clone); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[projectID] = clone
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(projectID string, cfg *model.WorkflowConfiguration) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return pkgerrors.Wrap(err, "encode workflow_config")
	}
	_, err = s.db.Exec(`
		INSERT INTO project_settings (project_id, user_id, workflow_config, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET
			workflow_config = excluded.workflow_config,
			updated_at = excluded.updated_at
	`, projectID, canonicalUser, string(payload), s.clock.Now())
	if err != nil {
		return pkgerrors.Wrap(err, "persist workflow_config")
	}
	return nil
}

// InvalidateCache drops the in-memory entry for a project, forcing the
// next Get to re-read from sqlite. Used by tests and by admin tooling
// after an out-of-band database edit.
func (s *Store) InvalidateCache(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, projectID)
}
