package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements NodeService using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// SQLiteOption configures a SQLiteStore
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLogger sets the store logger
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = l }
}

// NewSQLite opens (creating if needed) a SQLite node store
func NewSQLite(ctx context.Context, dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// Verify connectivity
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range allPragmas() {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}
	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the SQLite connection
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when it returns nil
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredQName(s string) (core.QName, error) {
	if s == "" {
		return core.QName{}, nil
	}
	return core.ParseQName(s)
}

func requireNode(ctx context.Context, q querier, ref core.NodeRef) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE ref = ?`, ref.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("looking up node: %w", err)
	}
	return nil
}

func touch(ctx context.Context, q querier, ref core.NodeRef) error {
	res, err := q.ExecContext(ctx, `UPDATE nodes SET modified_at = ? WHERE ref = ?`, formatTime(time.Now()), ref.String())
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	return nil
}

// CreateStore creates a store with a root node
func (s *SQLiteStore) CreateStore(ctx context.Context, protocol, identifier string) (core.StoreRef, error) {
	store := core.StoreRef{Protocol: protocol, Identifier: identifier}
	if protocol == "" || identifier == "" {
		return core.StoreRef{}, fmt.Errorf("%w: %q", core.ErrInvalidStoreRef, store)
	}
	root := core.NodeRef{Store: store, ID: uuid.NewString()}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM stores WHERE protocol = ? AND identifier = ?`, protocol, identifier).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: %s", core.ErrStoreExists, store)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("looking up store: %w", err)
		}

		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (ref, type, created_at, modified_at) VALUES (?, ?, ?, ?)`,
			root.String(), TypeStoreRoot.String(), now, now); err != nil {
			return fmt.Errorf("inserting root node: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_aspects (node_ref, aspect) VALUES (?, ?)`,
			root.String(), AspectRoot.String()); err != nil {
			return fmt.Errorf("inserting root aspect: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stores (protocol, identifier, root_ref) VALUES (?, ?, ?)`,
			protocol, identifier, root.String()); err != nil {
			return fmt.Errorf("inserting store: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.StoreRef{}, err
	}
	s.logger.Debug("store created", "store", store.String(), "root", root.ID)
	return store, nil
}

// Stores lists stores in creation order
func (s *SQLiteStore) Stores(ctx context.Context) ([]core.StoreRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT protocol, identifier FROM stores ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}
	defer rows.Close()

	var stores []core.StoreRef
	for rows.Next() {
		var st core.StoreRef
		if err := rows.Scan(&st.Protocol, &st.Identifier); err != nil {
			return nil, fmt.Errorf("scanning store: %w", err)
		}
		stores = append(stores, st)
	}
	return stores, rows.Err()
}

// RootNode returns the root node of a store
func (s *SQLiteStore) RootNode(ctx context.Context, store core.StoreRef) (core.NodeRef, error) {
	var root string
	err := s.db.QueryRowContext(ctx,
		`SELECT root_ref FROM stores WHERE protocol = ? AND identifier = ?`,
		store.Protocol, store.Identifier).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NodeRef{}, fmt.Errorf("%w: %s", core.ErrStoreNotFound, store)
	}
	if err != nil {
		return core.NodeRef{}, fmt.Errorf("looking up store: %w", err)
	}
	return core.ParseNodeRef(root)
}

// nextIndex reserves the next child position of parent
func nextIndex(ctx context.Context, q querier, parent core.NodeRef) (int, error) {
	var idx int
	if err := q.QueryRowContext(ctx, `SELECT next_index FROM nodes WHERE ref = ?`, parent.String()).Scan(&idx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", core.ErrNodeNotFound, parent)
		}
		return 0, fmt.Errorf("reading child index: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE nodes SET next_index = next_index + 1 WHERE ref = ?`, parent.String()); err != nil {
		return 0, fmt.Errorf("updating child index: %w", err)
	}
	return idx, nil
}

func insertAssoc(ctx context.Context, q querier, a core.ChildAssocRef) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO child_assocs (parent_ref, child_ref, type, qname, is_primary, idx)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Parent.String(), a.Child.String(), a.Type.String(), a.QName.String(), boolToInt(a.Primary), a.Index)
	if err != nil {
		return fmt.Errorf("inserting association: %w", err)
	}
	return nil
}

func upsertProperties(ctx context.Context, q querier, ref core.NodeRef, props map[core.QName]any) error {
	for name, v := range props {
		enc, err := encodeValue(v)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO node_properties (node_ref, qname, value) VALUES (?, ?, ?)
			ON CONFLICT(node_ref, qname) DO UPDATE SET value = excluded.value
		`, ref.String(), name.String(), enc)
		if err != nil {
			return fmt.Errorf("writing property %s: %w", name, err)
		}
		if err := indexProperty(ctx, q, ref, name, v); err != nil {
			return err
		}
	}
	return nil
}

func indexProperty(ctx context.Context, q querier, ref core.NodeRef, name core.QName, v any) error {
	_, err := q.ExecContext(ctx, `DELETE FROM properties_fts WHERE node_ref = ? AND qname = ?`, ref.String(), name.String())
	if err != nil {
		return fmt.Errorf("clearing text index for %s: %w", name, err)
	}
	for _, text := range indexTexts(v) {
		_, err := q.ExecContext(ctx, `
			INSERT INTO properties_fts (node_ref, qname, text) VALUES (?, ?, ?)
		`, ref.String(), name.String(), text)
		if err != nil {
			return fmt.Errorf("indexing property %s: %w", name, err)
		}
	}
	return nil
}

// CreateNode creates a node under parent
func (s *SQLiteStore) CreateNode(ctx context.Context, parent core.NodeRef, assocType, assocName, nodeType core.QName, props map[core.QName]any) (core.ChildAssocRef, error) {
	id := nodeIDFrom(props)
	if id == "" {
		id = uuid.NewString()
	}
	ref := core.NodeRef{Store: parent.Store, ID: id}
	var assoc core.ChildAssocRef

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		idx, err := nextIndex(ctx, tx, parent)
		if err != nil {
			return err
		}
		if requireNode(ctx, tx, ref) == nil {
			return fmt.Errorf("%w: node %s exists", core.ErrInvalidNodeRef, ref)
		}
		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (ref, type, created_at, modified_at) VALUES (?, ?, ?, ?)`,
			ref.String(), nodeType.String(), now, now); err != nil {
			return fmt.Errorf("inserting node: %w", err)
		}
		assoc = core.ChildAssocRef{
			Type:    assocType,
			Parent:  parent,
			QName:   assocName,
			Child:   ref,
			Primary: true,
			Index:   idx,
		}
		if err := insertAssoc(ctx, tx, assoc); err != nil {
			return err
		}
		return upsertProperties(ctx, tx, ref, props)
	})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	return assoc, nil
}

// DeleteNode removes the node and its primary descendants
func (s *SQLiteStore) DeleteNode(ctx context.Context, ref core.NodeRef) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireNode(ctx, tx, ref); err != nil {
			return err
		}
		var parents int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM child_assocs WHERE child_ref = ? AND is_primary = 1`,
			ref.String()).Scan(&parents); err != nil {
			return fmt.Errorf("counting parents: %w", err)
		}
		if parents == 0 {
			return fmt.Errorf("%w: %s", core.ErrStoreRoot, ref)
		}

		rows, err := tx.QueryContext(ctx, `
			WITH RECURSIVE doomed(ref) AS (
				SELECT ?
				UNION
				SELECT a.child_ref FROM child_assocs a
				JOIN doomed d ON a.parent_ref = d.ref
				WHERE a.is_primary = 1
			)
			SELECT ref FROM doomed
		`, ref.String())
		if err != nil {
			return fmt.Errorf("collecting descendants: %w", err)
		}
		var doomed []string
		for rows.Next() {
			var r string
			if err := rows.Scan(&r); err != nil {
				rows.Close()
				return fmt.Errorf("scanning descendant: %w", err)
			}
			doomed = append(doomed, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range doomed {
			for _, stmt := range []string{
				`DELETE FROM child_assocs WHERE parent_ref = ? OR child_ref = ?`,
				`DELETE FROM node_properties WHERE node_ref = ? OR node_ref = ?`,
				`DELETE FROM node_aspects WHERE node_ref = ? OR node_ref = ?`,
				`DELETE FROM nodes WHERE ref = ? OR ref = ?`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, r, r); err != nil {
					return fmt.Errorf("deleting node %s: %w", r, err)
				}
			}
		}
		s.logger.Debug("nodes deleted", "node", ref.String(), "count", len(doomed))
		return nil
	})
}

// Exists reports whether the node exists
func (s *SQLiteStore) Exists(ctx context.Context, ref core.NodeRef) (bool, error) {
	err := requireNode(ctx, s.db, ref)
	if errors.Is(err, core.ErrNodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Type returns the node type
func (s *SQLiteStore) Type(ctx context.Context, ref core.NodeRef) (core.QName, error) {
	var typ string
	err := s.db.QueryRowContext(ctx, `SELECT type FROM nodes WHERE ref = ?`, ref.String()).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return core.QName{}, fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	if err != nil {
		return core.QName{}, fmt.Errorf("reading node type: %w", err)
	}
	return parseStoredQName(typ)
}

// SetType changes the node type
func (s *SQLiteStore) SetType(ctx context.Context, ref core.NodeRef, nodeType core.QName) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET type = ?, modified_at = ? WHERE ref = ?`,
		nodeType.String(), formatTime(time.Now()), ref.String())
	if err != nil {
		return fmt.Errorf("updating node type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	return nil
}

// AddChild adds a secondary child association
func (s *SQLiteStore) AddChild(ctx context.Context, parent, child core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	var assoc core.ChildAssocRef
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireNode(ctx, tx, child); err != nil {
			return err
		}
		if err := requireNode(ctx, tx, parent); err != nil {
			return err
		}

		if err := checkCycle(ctx, tx, parent, child); err != nil {
			return err
		}

		var dup int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM child_assocs
			WHERE parent_ref = ? AND child_ref = ? AND type = ? AND qname = ?
		`, parent.String(), child.String(), assocType.String(), assocName.String()).Scan(&dup); err != nil {
			return fmt.Errorf("checking association: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("%w: %s -> %s", core.ErrAssocExists, parent, child)
		}

		idx, err := nextIndex(ctx, tx, parent)
		if err != nil {
			return err
		}
		assoc = core.ChildAssocRef{
			Type:   assocType,
			Parent: parent,
			QName:  assocName,
			Child:  child,
			Index:  idx,
		}
		return insertAssoc(ctx, tx, assoc)
	})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	return assoc, nil
}

// checkCycle walks up from parent: finding child there means a cycle
func checkCycle(ctx context.Context, q querier, parent, child core.NodeRef) error {
	var cyclic int
	err := q.QueryRowContext(ctx, `
		WITH RECURSIVE ancestors(ref) AS (
			SELECT ?
			UNION
			SELECT a.parent_ref FROM child_assocs a
			JOIN ancestors an ON a.child_ref = an.ref
		)
		SELECT COUNT(*) FROM ancestors WHERE ref = ?
	`, parent.String(), child.String()).Scan(&cyclic)
	if err != nil {
		return fmt.Errorf("checking ancestry: %w", err)
	}
	if cyclic > 0 {
		return fmt.Errorf("%w: %s under %s", core.ErrCyclicChild, child, parent)
	}
	return nil
}

// MoveNode replaces the primary association of ref with one under
// newParent. Secondary associations are kept.
func (s *SQLiteStore) MoveNode(ctx context.Context, ref, newParent core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	var assoc core.ChildAssocRef
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireNode(ctx, tx, ref); err != nil {
			return err
		}
		if err := requireNode(ctx, tx, newParent); err != nil {
			return err
		}
		var primary int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM child_assocs WHERE child_ref = ? AND is_primary = 1`,
			ref.String()).Scan(&primary); err != nil {
			return fmt.Errorf("counting parents: %w", err)
		}
		if primary == 0 {
			return fmt.Errorf("%w: %s", core.ErrStoreRoot, ref)
		}
		if newParent.Store != ref.Store {
			return fmt.Errorf("%w: cannot move %s into %s", core.ErrInvalidNodeRef, ref, newParent.Store)
		}
		if err := checkCycle(ctx, tx, newParent, ref); err != nil {
			return err
		}

		var dup int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM child_assocs
			WHERE parent_ref = ? AND child_ref = ? AND type = ? AND qname = ? AND is_primary = 0
		`, newParent.String(), ref.String(), assocType.String(), assocName.String()).Scan(&dup); err != nil {
			return fmt.Errorf("checking association: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("%w: %s -> %s", core.ErrAssocExists, newParent, ref)
		}

		idx, err := nextIndex(ctx, tx, newParent)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM child_assocs WHERE child_ref = ? AND is_primary = 1`, ref.String()); err != nil {
			return fmt.Errorf("removing primary association: %w", err)
		}
		assoc = core.ChildAssocRef{
			Type:    assocType,
			Parent:  newParent,
			QName:   assocName,
			Child:   ref,
			Primary: true,
			Index:   idx,
		}
		if err := insertAssoc(ctx, tx, assoc); err != nil {
			return err
		}
		return touch(ctx, tx, ref)
	})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	return assoc, nil
}

// RemoveChildAssoc removes a secondary association
func (s *SQLiteStore) RemoveChildAssoc(ctx context.Context, assoc core.ChildAssocRef) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var id, primary int
		err := tx.QueryRowContext(ctx, `
			SELECT id, is_primary FROM child_assocs
			WHERE parent_ref = ? AND child_ref = ? AND type = ? AND qname = ?
		`, assoc.Parent.String(), assoc.Child.String(), assoc.Type.String(), assoc.QName.String()).Scan(&id, &primary)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s -> %s", core.ErrAssocNotFound, assoc.Parent, assoc.Child)
		}
		if err != nil {
			return fmt.Errorf("looking up association: %w", err)
		}
		if primary == 1 {
			return fmt.Errorf("%w: %s -> %s", core.ErrPrimaryAssoc, assoc.Parent, assoc.Child)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM child_assocs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting association: %w", err)
		}
		return nil
	})
}

const assocColumns = `parent_ref, child_ref, type, qname, is_primary, idx`

func scanAssocs(rows *sql.Rows) ([]core.ChildAssocRef, error) {
	defer rows.Close()

	var out []core.ChildAssocRef
	for rows.Next() {
		var parent, child, typ, qname string
		var primary, idx int
		if err := rows.Scan(&parent, &child, &typ, &qname, &primary, &idx); err != nil {
			return nil, fmt.Errorf("scanning association: %w", err)
		}
		a := core.ChildAssocRef{Primary: primary == 1, Index: idx}
		var err error
		if a.Parent, err = core.ParseNodeRef(parent); err != nil {
			return nil, err
		}
		if a.Child, err = core.ParseNodeRef(child); err != nil {
			return nil, err
		}
		if a.Type, err = parseStoredQName(typ); err != nil {
			return nil, err
		}
		if a.QName, err = parseStoredQName(qname); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ChildAssocs lists child associations in insertion order
func (s *SQLiteStore) ChildAssocs(ctx context.Context, ref core.NodeRef, filter AssocFilter) ([]core.ChildAssocRef, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return nil, err
	}
	query := `SELECT ` + assocColumns + ` FROM child_assocs WHERE parent_ref = ?`
	args := []any{ref.String()}
	if !filter.Type.IsZero() {
		query += " AND type = ?"
		args = append(args, filter.Type.String())
	}
	if !filter.QName.IsZero() {
		query += " AND qname = ?"
		args = append(args, filter.QName.String())
	}
	query += " ORDER BY idx"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}
	return scanAssocs(rows)
}

// ParentAssocs lists parent associations, primary first
func (s *SQLiteStore) ParentAssocs(ctx context.Context, ref core.NodeRef) ([]core.ChildAssocRef, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assocColumns+` FROM child_assocs WHERE child_ref = ? ORDER BY is_primary DESC, id`,
		ref.String())
	if err != nil {
		return nil, fmt.Errorf("listing parents: %w", err)
	}
	return scanAssocs(rows)
}

// PrimaryParent returns the primary parent association
func (s *SQLiteStore) PrimaryParent(ctx context.Context, ref core.NodeRef) (core.ChildAssocRef, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return core.ChildAssocRef{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assocColumns+` FROM child_assocs WHERE child_ref = ? AND is_primary = 1`,
		ref.String())
	if err != nil {
		return core.ChildAssocRef{}, fmt.Errorf("reading primary parent: %w", err)
	}
	assocs, err := scanAssocs(rows)
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	if len(assocs) == 0 {
		return core.RootAssoc(ref), nil
	}
	return assocs[0], nil
}

// AddAspect applies an aspect and its properties
func (s *SQLiteStore) AddAspect(ctx context.Context, ref core.NodeRef, aspect core.QName, props map[core.QName]any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, ref); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_aspects (node_ref, aspect) VALUES (?, ?)`,
			ref.String(), aspect.String()); err != nil {
			return fmt.Errorf("adding aspect: %w", err)
		}
		return upsertProperties(ctx, tx, ref, props)
	})
}

// RemoveAspect removes an aspect
func (s *SQLiteStore) RemoveAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, ref); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM node_aspects WHERE node_ref = ? AND aspect = ?`,
			ref.String(), aspect.String()); err != nil {
			return fmt.Errorf("removing aspect: %w", err)
		}
		return nil
	})
}

func queryAspects(ctx context.Context, q querier, ref core.NodeRef) ([]core.QName, error) {
	rows, err := q.QueryContext(ctx, `SELECT aspect FROM node_aspects WHERE node_ref = ? ORDER BY seq`, ref.String())
	if err != nil {
		return nil, fmt.Errorf("listing aspects: %w", err)
	}
	defer rows.Close()

	var out []core.QName
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scanning aspect: %w", err)
		}
		qn, err := parseStoredQName(a)
		if err != nil {
			return nil, err
		}
		out = append(out, qn)
	}
	return out, rows.Err()
}

// Aspects lists applied aspects in the order they were added
func (s *SQLiteStore) Aspects(ctx context.Context, ref core.NodeRef) ([]core.QName, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return nil, err
	}
	return queryAspects(ctx, s.db, ref)
}

// HasAspect reports whether the aspect is applied
func (s *SQLiteStore) HasAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) (bool, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM node_aspects WHERE node_ref = ? AND aspect = ?`,
		ref.String(), aspect.String()).Scan(&n); err != nil {
		return false, fmt.Errorf("checking aspect: %w", err)
	}
	return n > 0, nil
}

func queryProperties(ctx context.Context, q querier, ref core.NodeRef) (map[core.QName]any, error) {
	rows, err := q.QueryContext(ctx, `SELECT qname, value FROM node_properties WHERE node_ref = ?`, ref.String())
	if err != nil {
		return nil, fmt.Errorf("reading properties: %w", err)
	}
	defer rows.Close()

	props := make(map[core.QName]any)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		qn, err := parseStoredQName(name)
		if err != nil {
			return nil, err
		}
		if props[qn], err = decodeValue(value); err != nil {
			return nil, err
		}
	}
	return props, rows.Err()
}

// Properties returns the node properties
func (s *SQLiteStore) Properties(ctx context.Context, ref core.NodeRef) (map[core.QName]any, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return nil, err
	}
	return queryProperties(ctx, s.db, ref)
}

// Property returns a single property value
func (s *SQLiteStore) Property(ctx context.Context, ref core.NodeRef, name core.QName) (any, error) {
	if err := requireNode(ctx, s.db, ref); err != nil {
		return nil, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM node_properties WHERE node_ref = ? AND qname = ?`,
		ref.String(), name.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading property: %w", err)
	}
	return decodeValue(value)
}

// SetProperty sets a single property
func (s *SQLiteStore) SetProperty(ctx context.Context, ref core.NodeRef, name core.QName, value any) error {
	return s.AddProperties(ctx, ref, map[core.QName]any{name: value})
}

// AddProperties merges props into the node properties
func (s *SQLiteStore) AddProperties(ctx context.Context, ref core.NodeRef, props map[core.QName]any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, ref); err != nil {
			return err
		}
		return upsertProperties(ctx, tx, ref, props)
	})
}

// RemoveProperty deletes a property
func (s *SQLiteStore) RemoveProperty(ctx context.Context, ref core.NodeRef, name core.QName) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, ref); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM node_properties WHERE node_ref = ? AND qname = ?`,
			ref.String(), name.String()); err != nil {
			return fmt.Errorf("removing property: %w", err)
		}
		return nil
	})
}

// Snapshot returns a copy of the node
func (s *SQLiteStore) Snapshot(ctx context.Context, ref core.NodeRef) (*core.Node, error) {
	var typ, createdAt, modifiedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT type, created_at, modified_at FROM nodes WHERE ref = ?`,
		ref.String()).Scan(&typ, &createdAt, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading node: %w", err)
	}

	n := &core.Node{Ref: ref}
	if n.Type, err = parseStoredQName(typ); err != nil {
		return nil, err
	}
	n.Created, _ = time.Parse(time.RFC3339Nano, createdAt)
	n.Modified, _ = time.Parse(time.RFC3339Nano, modifiedAt)
	if n.Aspects, err = queryAspects(ctx, s.db, ref); err != nil {
		return nil, err
	}
	if n.Properties, err = queryProperties(ctx, s.db, ref); err != nil {
		return nil, err
	}
	return n, nil
}

// MatchText reports whether any single indexed value of the node's
// properties, or of prop when set, matches an FTS5 MATCH expression
func (s *SQLiteStore) MatchText(ctx context.Context, ref core.NodeRef, prop *core.QName, match string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM properties_fts
		WHERE properties_fts MATCH ? AND node_ref = ?
	`
	args := []any{match, ref.String()}
	if prop != nil {
		query += " AND qname = ?"
		args = append(args, prop.String())
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("full-text match %q: %w", match, err)
	}
	return n > 0, nil
}

// FTSQuote quotes a term for use inside an FTS5 MATCH expression
func FTSQuote(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
