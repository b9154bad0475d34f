package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceKind is the catalog node type.
type ResourceKind string

const (
	KindConnection  ResourceKind = "connection"
	KindFolder      ResourceKind = "folder"
	KindEnvironment ResourceKind = "environment"
)

// ErrResourceNotFound is returned by catalog lookups for missing ids.
var ErrResourceNotFound = errors.New("resource not found")

// Resource is one node in the hierarchical catalog tree. ParentID is nil for
// roots. Payload is a JSON document whose shape depends on Kind.
type Resource struct {
	ID        uuid.UUID    `json:"id"`
	ParentID  *uuid.UUID   `json:"parent_id,omitempty"`
	Kind      ResourceKind `json:"kind"`
	Name      string       `json:"name"`
	Payload   string       `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ErrDuplicateResource signals a sibling with the same name already exists.
var ErrDuplicateResource = errors.New("resource name already exists under parent")

// CreateResource inserts a catalog node and returns it with a fresh id.
func (s *Store) CreateResource(ctx context.Context, parentID *uuid.UUID, kind ResourceKind, name, payload string) (*Resource, error) {
	if payload == "" {
		payload = "{}"
	}
	res := &Resource{
		ID:       uuid.New(),
		ParentID: parentID,
		Kind:     kind,
		Name:     name,
		Payload:  payload,
	}
	var parent sql.NullString
	if parentID != nil {
		parent = sql.NullString{String: parentID.String(), Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO resources (id, parent_id, kind, name, payload)
			VALUES (?, ?, ?, ?, ?)
			RETURNING created_at, updated_at;
		`, res.ID.String(), parent, kind, name, payload).Scan(&res.CreatedAt, &res.UpdatedAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateResource
		}
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// GetResource loads one catalog node by id.
func (s *Store) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, kind, name, payload, created_at, updated_at
		FROM resources
		WHERE id = ?;
	`, id.String())
	res, err := scanResource(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return res, nil
}

// UpdateResource renames a node and/or replaces its payload.
func (s *Store) UpdateResource(ctx context.Context, id uuid.UUID, name, payload string) (*Resource, error) {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE resources
			SET name = ?, payload = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, name, payload, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrDuplicateResource
		}
		return nil, fmt.Errorf("update resource: %w", err)
	}
	return s.GetResource(ctx, id)
}

// ListChildren returns the direct children of parentID (nil for roots),
// folders first, then by name.
func (s *Store) ListChildren(ctx context.Context, parentID *uuid.UUID) ([]Resource, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `id, parent_id, kind, name, payload, created_at, updated_at`
	if parentID == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+cols+` FROM resources
			WHERE parent_id IS NULL
			ORDER BY kind = 'folder' DESC, name ASC;
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+cols+` FROM resources
			WHERE parent_id = ?
			ORDER BY kind = 'folder' DESC, name ASC;
		`, parentID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		res, err := scanResource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resource rows: %w", err)
	}
	return out, nil
}

// DeleteResourceTree removes a node and its entire subtree. Returns the ids
// of deleted connection nodes so callers can schedule history cleanup.
func (s *Store) DeleteResourceTree(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var connections []uuid.UUID
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tree tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			WITH RECURSIVE subtree(id) AS (
				SELECT id FROM resources WHERE id = ?
				UNION ALL
				SELECT r.id FROM resources r JOIN subtree s ON r.parent_id = s.id
			)
			SELECT r.id FROM resources r
			JOIN subtree s ON r.id = s.id
			WHERE r.kind = 'connection';
		`, id.String())
		if err != nil {
			return fmt.Errorf("collect subtree connections: %w", err)
		}
		connections = connections[:0]
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return fmt.Errorf("scan subtree connection: %w", err)
			}
			connID, err := uuid.Parse(raw)
			if err != nil {
				rows.Close()
				return fmt.Errorf("parse subtree connection id: %w", err)
			}
			connections = append(connections, connID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("subtree rows: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE subtree(id) AS (
				SELECT id FROM resources WHERE id = ?
				UNION ALL
				SELECT r.id FROM resources r JOIN subtree s ON r.parent_id = s.id
			)
			DELETE FROM resources WHERE id IN (SELECT id FROM subtree);
		`, id.String()); err != nil {
			return fmt.Errorf("delete subtree: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("delete resource tree: %w", err)
	}
	return connections, nil
}

func scanResource(scan func(dest ...any) error) (*Resource, error) {
	var (
		res    Resource
		rawID  string
		parent sql.NullString
	)
	if err := scan(&rawID, &parent, &res.Kind, &res.Name, &res.Payload, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse resource id %q: %w", rawID, err)
	}
	res.ID = id
	if parent.Valid {
		pid, err := uuid.Parse(parent.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent id %q: %w", parent.String, err)
		}
		res.ParentID = &pid
	}
	return &res, nil
}
