package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the dealdesk tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id           SERIAL PRIMARY KEY,
    project_name TEXT NOT NULL,
    created_by   TEXT NOT NULL DEFAULT '',
    sdata        JSONB NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS artifacts (
    id         SERIAL PRIMARY KEY,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    file_name  TEXT NOT NULL,
    file_url   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);

CREATE TABLE IF NOT EXISTS agreements (
    id             SERIAL PRIMARY KEY,
    root_id        TEXT NOT NULL,
    version_number INTEGER NOT NULL DEFAULT 1,
    origin         TEXT NOT NULL DEFAULT 'internal',
    notes          JSONB NOT NULL DEFAULT '[]',
    edits          JSONB NOT NULL DEFAULT '[]',
    agreement_name TEXT NOT NULL DEFAULT '',
    agreement_type TEXT NOT NULL DEFAULT '',
    created_by     TEXT NOT NULL DEFAULT '',
    text_content   TEXT NOT NULL DEFAULT '',
    counterparty   TEXT NOT NULL DEFAULT '',
    project_id     INTEGER REFERENCES projects(id) ON DELETE SET NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (root_id, version_number)
);

CREATE TABLE IF NOT EXISTS policies (
    id             SERIAL PRIMARY KEY,
    policy_type    TEXT NOT NULL,
    agreement_type TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_policies_type ON policies(agreement_type, policy_type);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
// Stage data, notes and edits are stored as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping implements [Store.Ping].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Projects
// ─────────────────────────────────────────────────────────────────────────────

const projectColumns = `id, project_name, created_by, sdata, created_at, updated_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	var sdata []byte
	if err := row.Scan(&p.ID, &p.ProjectName, &p.CreatedBy, &sdata, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sdata, &p.SData); err != nil {
		return nil, fmt.Errorf("store: unmarshal sdata: %w", err)
	}
	return &p, nil
}

// ListProjects implements [Store.ListProjects].
func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list projects scan: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	return out, nil
}

// GetProject implements [Store.GetProject].
func (s *PostgresStore) GetProject(ctx context.Context, id int) (*Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get project %d: %w", id, err)
	}
	return p, nil
}

// CreateProject implements [Store.CreateProject].
func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	if len(p.SData) == 0 {
		p.SData = EmptyStages()
	}
	sdata, err := json.Marshal(p.SData)
	if err != nil {
		return fmt.Errorf("store: marshal sdata: %w", err)
	}

	const query = `
		INSERT INTO projects (project_name, created_by, sdata)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRow(ctx, query, p.ProjectName, p.CreatedBy, sdata).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create project: %w", err)
	}
	return nil
}

// UpdateProject implements [Store.UpdateProject].
func (s *PostgresStore) UpdateProject(ctx context.Context, p *Project) error {
	sdata, err := json.Marshal(emptySlice(p.SData))
	if err != nil {
		return fmt.Errorf("store: marshal sdata: %w", err)
	}

	const query = `
		UPDATE projects SET
			project_name = $2, created_by = $3, sdata = $4, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query, p.ID, p.ProjectName, p.CreatedBy, sdata).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: update project %d: %w", p.ID, ErrNotFound)
		}
		return fmt.Errorf("store: update project %d: %w", p.ID, err)
	}
	return nil
}

// DeleteProject implements [Store.DeleteProject].
func (s *PostgresStore) DeleteProject(ctx context.Context, id int) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete project %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStageTasks implements [Store.UpdateStageTasks]. The stage element is
// rewritten inside the JSONB array by a single UPDATE statement, so
// concurrent writers to other stages of the same project are not lost.
func (s *PostgresStore) UpdateStageTasks(ctx context.Context, projectID int, stage string, tasks []ProjectTask) (*Project, error) {
	tasksJSON, err := json.Marshal(emptySlice(tasks))
	if err != nil {
		return nil, fmt.Errorf("store: marshal tasks: %w", err)
	}

	const query = `
		UPDATE projects SET
			sdata = (
				SELECT jsonb_agg(
					CASE WHEN elem->>'name' = $2
						THEN elem || jsonb_build_object('tasks', $3::jsonb, 'updated_at', to_jsonb(now()))
						ELSE elem
					END ORDER BY ord)
				FROM jsonb_array_elements(sdata) WITH ORDINALITY AS t(elem, ord)
			),
			updated_at = now()
		WHERE id = $1
		  AND EXISTS (SELECT 1 FROM jsonb_array_elements(sdata) AS e WHERE e->>'name' = $2)
		RETURNING ` + projectColumns

	p, err := scanProject(s.db.QueryRow(ctx, query, projectID, stage, tasksJSON))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: update tasks of project %d: %w", projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: update tasks of project %d: %w", projectID, err)
	}
	return p, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Artifacts
// ─────────────────────────────────────────────────────────────────────────────

// ListArtifacts implements [Store.ListArtifacts].
func (s *PostgresStore) ListArtifacts(ctx context.Context, projectID int) ([]Artifact, error) {
	const query = `SELECT id, project_id, file_name, file_url FROM artifacts WHERE project_id = $1 ORDER BY id`
	rows, err := s.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.FileName, &a.FileURL); err != nil {
			return nil, fmt.Errorf("store: list artifacts scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	return out, nil
}

// CreateArtifact implements [Store.CreateArtifact].
func (s *PostgresStore) CreateArtifact(ctx context.Context, a *Artifact) error {
	const query = `
		INSERT INTO artifacts (project_id, file_name, file_url)
		VALUES ($1, $2, $3)
		RETURNING id`
	if err := s.db.QueryRow(ctx, query, a.ProjectID, a.FileName, a.FileURL).Scan(&a.ID); err != nil {
		return fmt.Errorf("store: create artifact: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Agreements
// ─────────────────────────────────────────────────────────────────────────────

const agreementColumns = `id, root_id, version_number, origin, notes, edits,
	agreement_name, agreement_type, created_by, text_content, counterparty,
	project_id, created_at`

func scanAgreement(row pgx.Row) (*Agreement, error) {
	var a Agreement
	var notes, edits []byte
	err := row.Scan(
		&a.ID, &a.RootID, &a.VersionNumber, &a.Origin, &notes, &edits,
		&a.AgreementName, &a.AgreementType, &a.CreatedBy, &a.TextContent, &a.Counterparty,
		&a.ProjectID, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(notes, &a.Notes); err != nil {
		return nil, fmt.Errorf("store: unmarshal notes: %w", err)
	}
	if err := json.Unmarshal(edits, &a.Edits); err != nil {
		return nil, fmt.Errorf("store: unmarshal edits: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) queryAgreements(ctx context.Context, op, query string, args ...any) ([]Agreement, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("store: %s scan: %w", op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return out, nil
}

// ListAgreements implements [Store.ListAgreements].
func (s *PostgresStore) ListAgreements(ctx context.Context) ([]Agreement, error) {
	const query = `
		SELECT ` + agreementColumns + ` FROM (
			SELECT DISTINCT ON (root_id) * FROM agreements
			ORDER BY root_id, version_number DESC
		) latest
		ORDER BY id DESC`
	return s.queryAgreements(ctx, "list agreements", query)
}

// GetAgreement implements [Store.GetAgreement].
func (s *PostgresStore) GetAgreement(ctx context.Context, id int) (*Agreement, error) {
	a, err := scanAgreement(s.db.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get agreement %d: %w", id, err)
	}
	return a, nil
}

// ListAgreementVersions implements [Store.ListAgreementVersions].
func (s *PostgresStore) ListAgreementVersions(ctx context.Context, rootID string) ([]Agreement, error) {
	const query = `SELECT ` + agreementColumns + ` FROM agreements WHERE root_id = $1 ORDER BY version_number DESC`
	return s.queryAgreements(ctx, "list agreement versions", query, rootID)
}

// LatestAgreement implements [Store.LatestAgreement].
func (s *PostgresStore) LatestAgreement(ctx context.Context, rootID string) (*Agreement, error) {
	const query = `SELECT ` + agreementColumns + ` FROM agreements WHERE root_id = $1 ORDER BY version_number DESC LIMIT 1`
	a, err := scanAgreement(s.db.QueryRow(ctx, query, rootID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest agreement %q: %w", rootID, err)
	}
	return a, nil
}

// CreateAgreement implements [Store.CreateAgreement].
func (s *PostgresStore) CreateAgreement(ctx context.Context, a *Agreement) error {
	notes, err := json.Marshal(emptySlice(a.Notes))
	if err != nil {
		return fmt.Errorf("store: marshal notes: %w", err)
	}
	edits, err := json.Marshal(emptySlice(a.Edits))
	if err != nil {
		return fmt.Errorf("store: marshal edits: %w", err)
	}
	if a.Origin == "" {
		a.Origin = OriginInternal
	}

	const query = `
		INSERT INTO agreements (
			root_id, version_number, origin, notes, edits,
			agreement_name, agreement_type, created_by, text_content, counterparty, project_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at`

	err = s.db.QueryRow(ctx, query,
		a.RootID, a.VersionNumber, a.Origin, notes, edits,
		a.AgreementName, a.AgreementType, a.CreatedBy, a.TextContent, a.Counterparty, a.ProjectID,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: agreement %q version %d already exists", a.RootID, a.VersionNumber)
		}
		return fmt.Errorf("store: create agreement: %w", err)
	}
	return nil
}

// AddAgreementNote implements [Store.AddAgreementNote].
func (s *PostgresStore) AddAgreementNote(ctx context.Context, rootID, note string) (*Agreement, error) {
	const query = `
		UPDATE agreements SET notes = notes || jsonb_build_array($2::text)
		WHERE id = (
			SELECT id FROM agreements WHERE root_id = $1
			ORDER BY version_number DESC LIMIT 1
		)
		RETURNING ` + agreementColumns

	a, err := scanAgreement(s.db.QueryRow(ctx, query, rootID, note))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: add note to %q: %w", rootID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: add note to %q: %w", rootID, err)
	}
	return a, nil
}

// DeleteAgreement implements [Store.DeleteAgreement].
func (s *PostgresStore) DeleteAgreement(ctx context.Context, id int) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM agreements WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete agreement %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Policies
// ─────────────────────────────────────────────────────────────────────────────

// ListPolicies implements [Store.ListPolicies].
func (s *PostgresStore) ListPolicies(ctx context.Context, agreementType, policyType string) ([]Policy, error) {
	const query = `
		SELECT id, policy_type, agreement_type, title, content FROM policies
		WHERE ($1 = '' OR agreement_type = $1)
		  AND ($2 = '' OR policy_type = $2)
		ORDER BY id`
	rows, err := s.db.Query(ctx, query, agreementType, policyType)
	if err != nil {
		return nil, fmt.Errorf("store: list policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.PolicyType, &p.AgreementType, &p.Title, &p.Content); err != nil {
			return nil, fmt.Errorf("store: list policies scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list policies: %w", err)
	}
	return out, nil
}

// CreatePolicy implements [Store.CreatePolicy].
func (s *PostgresStore) CreatePolicy(ctx context.Context, p *Policy) error {
	const query = `
		INSERT INTO policies (policy_type, agreement_type, title, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := s.db.QueryRow(ctx, query, p.PolicyType, p.AgreementType, p.Title, p.Content).Scan(&p.ID); err != nil {
		return fmt.Errorf("store: create policy: %w", err)
	}
	return nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
