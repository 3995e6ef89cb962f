package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	// Registers the canonical schema migrations with goose
	_ "github.com/beam-cloud/airsync/pkg/repository/backend_postgres_migrations"
)

const uniqueViolation = "23505"

const entryColumns = `id, project_id, COALESCE(parent_id::text, ''), name, path, kind, content, content_hash, created_at, updated_at`

// PostgresCanonicalStore implements CanonicalStore on the fs_entry table.
// The table lives in its own schema so it can share a database with the
// product that owns projects.
type PostgresCanonicalStore struct {
	db     *sql.DB
	schema string
}

// OpenPostgresCanonicalStore connects to Postgres with the canonical schema
// first on the search path. Call Migrate before serving.
func OpenPostgresCanonicalStore(ctx context.Context, cfg types.PostgresConfig) (*PostgresCanonicalStore, error) {
	cfg = withPostgresDefaults(cfg)

	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Str("schema", cfg.Schema).
		Msg("canonical store connected")

	return &PostgresCanonicalStore{db: db, schema: cfg.Schema}, nil
}

// NewPostgresCanonicalStore wraps an existing pool whose search path already
// resolves fs_entry
func NewPostgresCanonicalStore(db *sql.DB) *PostgresCanonicalStore {
	return &PostgresCanonicalStore{db: db}
}

func withPostgresDefaults(cfg types.PostgresConfig) types.PostgresConfig {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.Database == "" {
		cfg.Database = "airsync"
	}
	if cfg.Schema == "" {
		cfg.Schema = "airsync"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "airsync-gateway"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	return cfg
}

// postgresDSN builds a lib/pq keyword DSN. Unknown keywords such as
// search_path are sent to the server as session settings.
func postgresDSN(cfg types.PostgresConfig) string {
	params := map[string]string{
		"host":             cfg.Host,
		"port":             fmt.Sprintf("%d", cfg.Port),
		"user":             cfg.User,
		"password":         cfg.Password,
		"dbname":           cfg.Database,
		"sslmode":          cfg.SSLMode,
		"application_name": cfg.ApplicationName,
	}
	if cfg.Schema != "" {
		// public stays on the path for the uuid-ossp functions
		params["search_path"] = cfg.Schema + ",public"
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteDSNValue(params[k]))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Migrate creates the canonical schema if needed and applies pending goose
// migrations to it
func (s *PostgresCanonicalStore) Migrate(ctx context.Context) error {
	if s.schema != "" {
		if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(s.schema)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", s.schema, err)
		}
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Info().Int64("version", version).Str("schema", s.schema).Msg("canonical store migrations complete")
	return nil
}

func (s *PostgresCanonicalStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.Entry, error) {
	e := &types.Entry{}
	var kind string
	err := row.Scan(
		&e.ID,
		&e.ProjectID,
		&e.ParentID,
		&e.Name,
		&e.Path,
		&kind,
		&e.Content,
		&e.ContentHash,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = types.EntryKind(kind)
	return e, nil
}

func nullableParent(parentID string) any {
	if parentID == types.RootParentID {
		return nil
	}
	return parentID
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *PostgresCanonicalStore) GetEntry(ctx context.Context, projectID, id string) (*types.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM fs_entry WHERE project_id = $1 AND id = $2`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, projectID, id))
	if err == sql.ErrNoRows {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

func (s *PostgresCanonicalStore) GetEntryByPath(ctx context.Context, projectID, path string) (*types.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM fs_entry WHERE project_id = $1 AND path = $2`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, projectID, path))
	if err == sql.ErrNoRows {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry by path: %w", err)
	}
	return e, nil
}

func (s *PostgresCanonicalStore) CreateEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	if !validName(entry.Name) {
		return nil, &types.ErrPathInvalid{Path: entry.Name, Reason: "invalid name"}
	}

	parentPath := ""
	if entry.ParentID != types.RootParentID {
		parent, err := s.GetEntry(ctx, entry.ProjectID, entry.ParentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsFolder() {
			return nil, &types.ErrPathInvalid{Path: parent.Path, Reason: "parent is not a folder"}
		}
		parentPath = parent.Path
	}

	kind := entry.Kind
	if kind == "" {
		kind = types.EntryKindFile
	}
	content, hash := entry.Content, ""
	if kind == types.EntryKindFolder {
		content = nil
	} else {
		hash = common.ContentHash(content)
	}
	fullPath := JoinPath(parentPath, entry.Name)

	query := `
		INSERT INTO fs_entry (id, project_id, parent_id, name, path, kind, content, content_hash)
		VALUES (COALESCE(NULLIF($1, '')::uuid, uuid_generate_v4()), $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + entryColumns

	e, err := scanEntry(s.db.QueryRowContext(ctx, query,
		entry.ID, entry.ProjectID, nullableParent(entry.ParentID), entry.Name, fullPath, string(kind), content, hash,
	))
	if isUniqueViolation(err) {
		return nil, &types.ErrEntryExists{ProjectID: entry.ProjectID, Path: fullPath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create entry: %w", err)
	}
	return e, nil
}

func (s *PostgresCanonicalStore) UpdateContent(ctx context.Context, projectID, id string, content []byte) (*types.Entry, error) {
	query := `
		UPDATE fs_entry
		SET content = $3, content_hash = $4, updated_at = CURRENT_TIMESTAMP
		WHERE project_id = $1 AND id = $2 AND kind = 'file'
		RETURNING ` + entryColumns

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, projectID, id, content, common.ContentHash(content)))
	if err == sql.ErrNoRows {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update entry content: %w", err)
	}
	return e, nil
}

func (s *PostgresCanonicalStore) DeleteEntry(ctx context.Context, projectID, id string) ([]*types.Entry, error) {
	target, err := s.GetEntry(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	query := `
		DELETE FROM fs_entry
		WHERE project_id = $1 AND (path = $2 OR left(path, length($2) + 1) = $2 || '/')
		RETURNING ` + entryColumns

	rows, err := s.db.QueryContext(ctx, query, projectID, target.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to delete entry: %w", err)
	}
	defer rows.Close()

	var removed []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deleted entry: %w", err)
		}
		removed = append(removed, e.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortByPath(removed)
	return removed, nil
}

func (s *PostgresCanonicalStore) MoveEntry(ctx context.Context, projectID, id, newParentID, newName string) (*types.Entry, error) {
	if !validName(newName) {
		return nil, &types.ErrPathInvalid{Path: newName, Reason: "invalid name"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `SELECT ` + entryColumns + ` FROM fs_entry WHERE project_id = $1 AND id = $2 FOR UPDATE`
	e, err := scanEntry(tx.QueryRowContext(ctx, lockQuery, projectID, id))
	if err == sql.ErrNoRows {
		return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock entry: %w", err)
	}

	parentPath := ""
	if newParentID != types.RootParentID {
		parent, err := scanEntry(tx.QueryRowContext(ctx, lockQuery, projectID, newParentID))
		if err == sql.ErrNoRows {
			return nil, &types.ErrEntryNotFound{ProjectID: projectID, Key: newParentID}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock parent: %w", err)
		}
		if !parent.IsFolder() {
			return nil, &types.ErrPathInvalid{Path: parent.Path, Reason: "parent is not a folder"}
		}
		if parent.ID == e.ID || IsDescendant(parent.Path, e.Path) {
			return nil, &types.ErrPathInvalid{Path: parent.Path, Reason: "cannot move a folder into itself"}
		}
		parentPath = parent.Path
	}

	oldPath := e.Path
	newPath := JoinPath(parentPath, newName)
	if newPath == oldPath {
		return e, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE fs_entry
		SET path = $3 || substr(path, length($2) + 1), updated_at = CURRENT_TIMESTAMP
		WHERE project_id = $1 AND left(path, length($2) + 1) = $2 || '/'
	`, projectID, oldPath, newPath)
	if isUniqueViolation(err) {
		return nil, &types.ErrEntryExists{ProjectID: projectID, Path: newPath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move descendants: %w", err)
	}

	moved, err := scanEntry(tx.QueryRowContext(ctx, `
		UPDATE fs_entry
		SET parent_id = $3, name = $4, path = $5, updated_at = CURRENT_TIMESTAMP
		WHERE project_id = $1 AND id = $2
		RETURNING `+entryColumns,
		projectID, id, nullableParent(newParentID), newName, newPath,
	))
	if isUniqueViolation(err) {
		return nil, &types.ErrEntryExists{ProjectID: projectID, Path: newPath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit move: %w", err)
	}
	return moved, nil
}

func (s *PostgresCanonicalStore) ListChildren(ctx context.Context, projectID, parentID string) ([]*types.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == types.RootParentID {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+entryColumns+` FROM fs_entry WHERE project_id = $1 AND parent_id IS NULL ORDER BY path`,
			projectID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+entryColumns+` FROM fs_entry WHERE project_id = $1 AND parent_id = $2 ORDER BY path`,
			projectID, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (s *PostgresCanonicalStore) ListAll(ctx context.Context, projectID string) ([]*types.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM fs_entry WHERE project_id = $1`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	SortByPath(entries)
	return entries, nil
}

func collectEntries(rows *sql.Rows) ([]*types.Entry, error) {
	var entries []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
