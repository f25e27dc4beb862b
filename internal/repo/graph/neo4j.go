package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

// Neo4jConfig holds Neo4j connection configuration
type Neo4jConfig struct {
	URI      string `yaml:"uri" validate:"omitempty,uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Neo4jStore implements NodeService on Neo4j. Nodes are :Node vertices,
// child associations are :CHILD relationships and properties are kept as a
// typed JSON document on the vertex.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4j connects to Neo4j and ensures the schema constraints exist
func NewNeo4j(ctx context.Context, cfg Neo4jConfig, logger *slog.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	db := cfg.Database
	if db == "" {
		db = "neo4j"
	}
	s := &Neo4jStore{driver: driver, database: db, logger: logger}
	if err := s.EnsureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Close closes the Neo4j connection
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// EnsureIndexes creates the uniqueness constraints the store relies on
func (s *Neo4jStore) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE CONSTRAINT node_ref IF NOT EXISTS FOR (n:Node) REQUIRE n.ref IS UNIQUE`,
		`CREATE CONSTRAINT store_key IF NOT EXISTS FOR (s:Store) REQUIRE (s.protocol, s.identifier) IS UNIQUE`,
	} {
		if _, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, stmt, nil)
			return nil, err
		}); err != nil {
			return fmt.Errorf("creating constraint: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, work)
}

func (s *Neo4jStore) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, work)
}

// loadNode fetches the :Node vertex for ref
func loadNode(ctx context.Context, tx neo4j.ManagedTransaction, ref core.NodeRef) (neo4j.Node, error) {
	result, err := tx.Run(ctx, `MATCH (n:Node {ref: $ref}) RETURN n`, map[string]any{"ref": ref.String()})
	if err != nil {
		return neo4j.Node{}, err
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return neo4j.Node{}, err
		}
		return neo4j.Node{}, fmt.Errorf("%w: %s", core.ErrNodeNotFound, ref)
	}
	value, _ := result.Record().Get("n")
	return value.(neo4j.Node), nil
}

func nodeAspects(n neo4j.Node) ([]core.QName, error) {
	raw, _ := n.Props["aspects"].([]any)
	out := make([]core.QName, 0, len(raw))
	for _, a := range raw {
		qn, err := parseStoredQName(a.(string))
		if err != nil {
			return nil, err
		}
		out = append(out, qn)
	}
	return out, nil
}

func nodeProperties(n neo4j.Node) (map[core.QName]any, error) {
	raw, _ := n.Props["properties"].(string)
	return decodeProperties(raw)
}

func aspectStrings(aspects []core.QName) []string {
	out := make([]string, len(aspects))
	for i, a := range aspects {
		out[i] = a.String()
	}
	return out
}

// CreateStore creates a store with a root node
func (s *Neo4jStore) CreateStore(ctx context.Context, protocol, identifier string) (core.StoreRef, error) {
	store := core.StoreRef{Protocol: protocol, Identifier: identifier}
	if protocol == "" || identifier == "" {
		return core.StoreRef{}, fmt.Errorf("%w: %q", core.ErrInvalidStoreRef, store)
	}
	root := core.NodeRef{Store: store, ID: uuid.NewString()}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (s:Store {protocol: $protocol, identifier: $identifier}) RETURN s`,
			map[string]any{"protocol": protocol, "identifier": identifier})
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			return nil, fmt.Errorf("%w: %s", core.ErrStoreExists, store)
		}

		now := formatTime(time.Now())
		_, err = tx.Run(ctx, `
			CREATE (s:Store {protocol: $protocol, identifier: $identifier, root: $root, seq: timestamp()})
			CREATE (n:Node {
				ref: $root,
				type: $type,
				aspects: $aspects,
				properties: '{}',
				created: $now,
				modified: $now,
				next_index: 0
			})
		`, map[string]any{
			"protocol":   protocol,
			"identifier": identifier,
			"root":       root.String(),
			"type":       TypeStoreRoot.String(),
			"aspects":    []string{AspectRoot.String()},
			"now":        now,
		})
		return nil, err
	})
	if err != nil {
		return core.StoreRef{}, err
	}
	s.logger.Debug("store created", "store", store.String(), "root", root.ID)
	return store, nil
}

// Stores lists stores in creation order
func (s *Neo4jStore) Stores(ctx context.Context) ([]core.StoreRef, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `MATCH (s:Store) RETURN s.protocol AS protocol, s.identifier AS identifier ORDER BY s.seq`, nil)
		if err != nil {
			return nil, err
		}
		var stores []core.StoreRef
		for result.Next(ctx) {
			record := result.Record()
			protocol, _ := record.Get("protocol")
			identifier, _ := record.Get("identifier")
			stores = append(stores, core.StoreRef{Protocol: protocol.(string), Identifier: identifier.(string)})
		}
		return stores, result.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]core.StoreRef), nil
}

// RootNode returns the root node of a store
func (s *Neo4jStore) RootNode(ctx context.Context, store core.StoreRef) (core.NodeRef, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (s:Store {protocol: $protocol, identifier: $identifier}) RETURN s.root AS root`,
			map[string]any{"protocol": store.Protocol, "identifier": store.Identifier})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, fmt.Errorf("%w: %s", core.ErrStoreNotFound, store)
		}
		root, _ := result.Record().Get("root")
		return core.ParseNodeRef(root.(string))
	})
	if err != nil {
		return core.NodeRef{}, err
	}
	return result.(core.NodeRef), nil
}

// CreateNode creates a node under parent
func (s *Neo4jStore) CreateNode(ctx context.Context, parent core.NodeRef, assocType, assocName, nodeType core.QName, props map[core.QName]any) (core.ChildAssocRef, error) {
	id := nodeIDFrom(props)
	if id == "" {
		id = uuid.NewString()
	}
	ref := core.NodeRef{Store: parent.Store, ID: id}
	propsJSON, err := encodeProperties(props)
	if err != nil {
		return core.ChildAssocRef{}, err
	}

	result, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := loadNode(ctx, tx, parent); err != nil {
			return nil, err
		}
		if _, err := loadNode(ctx, tx, ref); err == nil {
			return nil, fmt.Errorf("%w: node %s exists", core.ErrInvalidNodeRef, ref)
		}
		now := formatTime(time.Now())
		result, err := tx.Run(ctx, `
			MATCH (p:Node {ref: $parent})
			SET p.next_index = coalesce(p.next_index, 0) + 1
			CREATE (c:Node {
				ref: $ref,
				type: $type,
				aspects: [],
				properties: $properties,
				created: $now,
				modified: $now,
				next_index: 0
			})
			CREATE (p)-[r:CHILD {type: $assocType, qname: $assocName, primary: true, idx: p.next_index - 1, seq: timestamp()}]->(c)
			RETURN r.idx AS idx
		`, map[string]any{
			"parent":     parent.String(),
			"ref":        ref.String(),
			"type":       nodeType.String(),
			"properties": propsJSON,
			"now":        now,
			"assocType":  assocType.String(),
			"assocName":  assocName.String(),
		})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, fmt.Errorf("creating node %s: no result", ref)
		}
		idx, _ := result.Record().Get("idx")
		return core.ChildAssocRef{
			Type:    assocType,
			Parent:  parent,
			QName:   assocName,
			Child:   ref,
			Primary: true,
			Index:   int(idx.(int64)),
		}, nil
	})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	return result.(core.ChildAssocRef), nil
}

// DeleteNode removes the node and its primary descendants
func (s *Neo4jStore) DeleteNode(ctx context.Context, ref core.NodeRef) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := loadNode(ctx, tx, ref); err != nil {
			return nil, err
		}
		result, err := tx.Run(ctx,
			`MATCH (:Node)-[r:CHILD {primary: true}]->(n:Node {ref: $ref}) RETURN count(r) AS parents`,
			map[string]any{"ref": ref.String()})
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			if parents, _ := result.Record().Get("parents"); parents.(int64) == 0 {
				return nil, fmt.Errorf("%w: %s", core.ErrStoreRoot, ref)
			}
		}
		_, err = tx.Run(ctx, `
			MATCH path = (n:Node {ref: $ref})-[:CHILD*0..]->(d:Node)
			WHERE all(r IN relationships(path) WHERE r.primary = true)
			WITH collect(DISTINCT d) AS doomed
			UNWIND doomed AS d
			DETACH DELETE d
		`, map[string]any{"ref": ref.String()})
		return nil, err
	})
	return err
}

// Exists reports whether the node exists
func (s *Neo4jStore) Exists(ctx context.Context, ref core.NodeRef) (bool, error) {
	_, err := s.Snapshot(ctx, ref)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Type returns the node type
func (s *Neo4jStore) Type(ctx context.Context, ref core.NodeRef) (core.QName, error) {
	n, err := s.Snapshot(ctx, ref)
	if err != nil {
		return core.QName{}, err
	}
	return n.Type, nil
}

// updateNode applies fn to a snapshot of the node and writes back the
// fields it changed
func (s *Neo4jStore) updateNode(ctx context.Context, ref core.NodeRef, fn func(n *core.Node)) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		raw, err := loadNode(ctx, tx, ref)
		if err != nil {
			return nil, err
		}
		n, err := snapshotFromVertex(ref, raw)
		if err != nil {
			return nil, err
		}
		fn(n)
		propsJSON, err := encodeProperties(n.Properties)
		if err != nil {
			return nil, err
		}
		_, err = tx.Run(ctx, `
			MATCH (n:Node {ref: $ref})
			SET n.type = $type, n.aspects = $aspects, n.properties = $properties, n.modified = $now
		`, map[string]any{
			"ref":        ref.String(),
			"type":       n.Type.String(),
			"aspects":    aspectStrings(n.Aspects),
			"properties": propsJSON,
			"now":        formatTime(time.Now()),
		})
		return nil, err
	})
	return err
}

// SetType changes the node type
func (s *Neo4jStore) SetType(ctx context.Context, ref core.NodeRef, nodeType core.QName) error {
	return s.updateNode(ctx, ref, func(n *core.Node) { n.Type = nodeType })
}

// AddChild adds a secondary child association
func (s *Neo4jStore) AddChild(ctx context.Context, parent, child core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	if parent == child {
		return core.ChildAssocRef{}, fmt.Errorf("%w: %s under itself", core.ErrCyclicChild, child)
	}
	params := map[string]any{
		"parent":    parent.String(),
		"child":     child.String(),
		"assocType": assocType.String(),
		"assocName": assocName.String(),
	}
	result, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := loadNode(ctx, tx, child); err != nil {
			return nil, err
		}
		if _, err := loadNode(ctx, tx, parent); err != nil {
			return nil, err
		}

		cycle, err := tx.Run(ctx,
			`MATCH (c:Node {ref: $child})-[:CHILD*1..]->(p:Node {ref: $parent}) RETURN 1 LIMIT 1`, params)
		if err != nil {
			return nil, err
		}
		if cycle.Next(ctx) {
			return nil, fmt.Errorf("%w: %s under %s", core.ErrCyclicChild, child, parent)
		}

		dup, err := tx.Run(ctx, `
			MATCH (p:Node {ref: $parent})-[r:CHILD {type: $assocType, qname: $assocName}]->(c:Node {ref: $child})
			RETURN r LIMIT 1
		`, params)
		if err != nil {
			return nil, err
		}
		if dup.Next(ctx) {
			return nil, fmt.Errorf("%w: %s -> %s", core.ErrAssocExists, parent, child)
		}

		created, err := tx.Run(ctx, `
			MATCH (p:Node {ref: $parent}), (c:Node {ref: $child})
			SET p.next_index = coalesce(p.next_index, 0) + 1
			CREATE (p)-[r:CHILD {type: $assocType, qname: $assocName, primary: false, idx: p.next_index - 1, seq: timestamp()}]->(c)
			RETURN r.idx AS idx
		`, params)
		if err != nil {
			return nil, err
		}
		if !created.Next(ctx) {
			return nil, fmt.Errorf("creating association: no result")
		}
		idx, _ := created.Record().Get("idx")
		return core.ChildAssocRef{
			Type:   assocType,
			Parent: parent,
			QName:  assocName,
			Child:  child,
			Index:  int(idx.(int64)),
		}, nil
	})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	return result.(core.ChildAssocRef), nil
}

// MoveNode replaces the primary association of ref with one under
// newParent. Secondary associations are kept.
func (s *Neo4jStore) MoveNode(ctx context.Context, ref, newParent core.NodeRef, assocType, assocName core.QName) (core.ChildAssocRef, error) {
	if ref == newParent {
		return core.ChildAssocRef{}, fmt.Errorf("%w: %s under itself", core.ErrCyclicChild, ref)
	}
	if newParent.Store != ref.Store {
		return core.ChildAssocRef{}, fmt.Errorf("%w: cannot move %s into %s", core.ErrInvalidNodeRef, ref, newParent.Store)
	}
	params := map[string]any{
		"parent":    newParent.String(),
		"child":     ref.String(),
		"assocType": assocType.String(),
		"assocName": assocName.String(),
		"now":       formatTime(time.Now()),
	}
	result, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := loadNode(ctx, tx, ref); err != nil {
			return nil, err
		}
		if _, err := loadNode(ctx, tx, newParent); err != nil {
			return nil, err
		}

		primary, err := tx.Run(ctx,
			`MATCH (:Node)-[r:CHILD {primary: true}]->(c:Node {ref: $child}) RETURN count(r) AS parents`, params)
		if err != nil {
			return nil, err
		}
		if primary.Next(ctx) {
			if parents, _ := primary.Record().Get("parents"); parents.(int64) == 0 {
				return nil, fmt.Errorf("%w: %s", core.ErrStoreRoot, ref)
			}
		}

		cycle, err := tx.Run(ctx,
			`MATCH (c:Node {ref: $child})-[:CHILD*1..]->(p:Node {ref: $parent}) RETURN 1 LIMIT 1`, params)
		if err != nil {
			return nil, err
		}
		if cycle.Next(ctx) {
			return nil, fmt.Errorf("%w: %s under %s", core.ErrCyclicChild, ref, newParent)
		}

		dup, err := tx.Run(ctx, `
			MATCH (p:Node {ref: $parent})-[r:CHILD {type: $assocType, qname: $assocName, primary: false}]->(c:Node {ref: $child})
			RETURN r LIMIT 1
		`, params)
		if err != nil {
			return nil, err
		}
		if dup.Next(ctx) {
			return nil, fmt.Errorf("%w: %s -> %s", core.ErrAssocExists, newParent, ref)
		}

		moved, err := tx.Run(ctx, `
			MATCH (:Node)-[old:CHILD {primary: true}]->(c:Node {ref: $child})
			DELETE old
			WITH c
			MATCH (p:Node {ref: $parent})
			SET p.next_index = coalesce(p.next_index, 0) + 1, c.modified = $now
			CREATE (p)-[r:CHILD {type: $assocType, qname: $assocName, primary: true, idx: p.next_index - 1, seq: timestamp()}]->(c)
			RETURN r.idx AS idx
		`, params)
		if err != nil {
			return nil, err
		}
		if !moved.Next(ctx) {
			return nil, fmt.Errorf("moving node %s: no result", ref)
		}
		idx, _ := moved.Record().Get("idx")
		return core.ChildAssocRef{
			Type:    assocType,
			Parent:  newParent,
			QName:   assocName,
			Child:   ref,
			Primary: true,
			Index:   int(idx.(int64)),
		}, nil
	})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	return result.(core.ChildAssocRef), nil
}

// RemoveChildAssoc removes a secondary association
func (s *Neo4jStore) RemoveChildAssoc(ctx context.Context, assoc core.ChildAssocRef) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (p:Node {ref: $parent})-[r:CHILD {type: $assocType, qname: $assocName}]->(c:Node {ref: $child})
			RETURN r.primary AS primary
		`, map[string]any{
			"parent":    assoc.Parent.String(),
			"child":     assoc.Child.String(),
			"assocType": assoc.Type.String(),
			"assocName": assoc.QName.String(),
		})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, fmt.Errorf("%w: %s -> %s", core.ErrAssocNotFound, assoc.Parent, assoc.Child)
		}
		if primary, _ := result.Record().Get("primary"); primary.(bool) {
			return nil, fmt.Errorf("%w: %s -> %s", core.ErrPrimaryAssoc, assoc.Parent, assoc.Child)
		}
		_, err = tx.Run(ctx, `
			MATCH (p:Node {ref: $parent})-[r:CHILD {type: $assocType, qname: $assocName}]->(c:Node {ref: $child})
			DELETE r
		`, map[string]any{
			"parent":    assoc.Parent.String(),
			"child":     assoc.Child.String(),
			"assocType": assoc.Type.String(),
			"assocName": assoc.QName.String(),
		})
		return nil, err
	})
	return err
}

const assocReturn = `
	RETURN p.ref AS parent, c.ref AS child, r.type AS type, r.qname AS qname,
	       r.primary AS primary, r.idx AS idx
`

func (s *Neo4jStore) queryAssocs(ctx context.Context, ref core.NodeRef, query string, params map[string]any) ([]core.ChildAssocRef, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := loadNode(ctx, tx, ref); err != nil {
			return nil, err
		}
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var out []core.ChildAssocRef
		for result.Next(ctx) {
			a, err := assocFromRecord(result.Record())
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, result.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]core.ChildAssocRef), nil
}

func assocFromRecord(record *neo4j.Record) (core.ChildAssocRef, error) {
	parent, _ := record.Get("parent")
	child, _ := record.Get("child")
	typ, _ := record.Get("type")
	qname, _ := record.Get("qname")
	primary, _ := record.Get("primary")
	idx, _ := record.Get("idx")

	a := core.ChildAssocRef{Primary: primary.(bool), Index: int(idx.(int64))}
	var err error
	if a.Parent, err = core.ParseNodeRef(parent.(string)); err != nil {
		return a, err
	}
	if a.Child, err = core.ParseNodeRef(child.(string)); err != nil {
		return a, err
	}
	if a.Type, err = parseStoredQName(typ.(string)); err != nil {
		return a, err
	}
	a.QName, err = parseStoredQName(qname.(string))
	return a, err
}

// ChildAssocs lists child associations in insertion order
func (s *Neo4jStore) ChildAssocs(ctx context.Context, ref core.NodeRef, filter AssocFilter) ([]core.ChildAssocRef, error) {
	typ, name := "", ""
	if !filter.Type.IsZero() {
		typ = filter.Type.String()
	}
	if !filter.QName.IsZero() {
		name = filter.QName.String()
	}
	return s.queryAssocs(ctx, ref, `
		MATCH (p:Node {ref: $ref})-[r:CHILD]->(c:Node)
		WHERE ($type = '' OR r.type = $type) AND ($qname = '' OR r.qname = $qname)
	`+assocReturn+` ORDER BY idx`, map[string]any{"ref": ref.String(), "type": typ, "qname": name})
}

// ParentAssocs lists parent associations, primary first
func (s *Neo4jStore) ParentAssocs(ctx context.Context, ref core.NodeRef) ([]core.ChildAssocRef, error) {
	return s.queryAssocs(ctx, ref, `
		MATCH (p:Node)-[r:CHILD]->(c:Node {ref: $ref})
	`+assocReturn+` ORDER BY primary DESC, r.seq`, map[string]any{"ref": ref.String()})
}

// PrimaryParent returns the primary parent association
func (s *Neo4jStore) PrimaryParent(ctx context.Context, ref core.NodeRef) (core.ChildAssocRef, error) {
	assocs, err := s.queryAssocs(ctx, ref, `
		MATCH (p:Node)-[r:CHILD {primary: true}]->(c:Node {ref: $ref})
	`+assocReturn, map[string]any{"ref": ref.String()})
	if err != nil {
		return core.ChildAssocRef{}, err
	}
	if len(assocs) == 0 {
		return core.RootAssoc(ref), nil
	}
	return assocs[0], nil
}

// AddAspect applies an aspect and its properties
func (s *Neo4jStore) AddAspect(ctx context.Context, ref core.NodeRef, aspect core.QName, props map[core.QName]any) error {
	return s.updateNode(ctx, ref, func(n *core.Node) {
		if !slices.Contains(n.Aspects, aspect) {
			n.Aspects = append(n.Aspects, aspect)
		}
		for k, v := range props {
			n.Properties[k] = normalizeValue(v)
		}
	})
}

// RemoveAspect removes an aspect
func (s *Neo4jStore) RemoveAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) error {
	return s.updateNode(ctx, ref, func(n *core.Node) {
		n.Aspects = slices.DeleteFunc(n.Aspects, func(a core.QName) bool { return a == aspect })
	})
}

// Aspects lists applied aspects in the order they were added
func (s *Neo4jStore) Aspects(ctx context.Context, ref core.NodeRef) ([]core.QName, error) {
	n, err := s.Snapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	return n.Aspects, nil
}

// HasAspect reports whether the aspect is applied
func (s *Neo4jStore) HasAspect(ctx context.Context, ref core.NodeRef, aspect core.QName) (bool, error) {
	aspects, err := s.Aspects(ctx, ref)
	if err != nil {
		return false, err
	}
	return slices.Contains(aspects, aspect), nil
}

// Properties returns the node properties
func (s *Neo4jStore) Properties(ctx context.Context, ref core.NodeRef) (map[core.QName]any, error) {
	n, err := s.Snapshot(ctx, ref)
	if err != nil {
		return nil, err
	}
	return n.Properties, nil
}

// Property returns a single property value
func (s *Neo4jStore) Property(ctx context.Context, ref core.NodeRef, name core.QName) (any, error) {
	props, err := s.Properties(ctx, ref)
	if err != nil {
		return nil, err
	}
	return props[name], nil
}

// SetProperty sets a single property
func (s *Neo4jStore) SetProperty(ctx context.Context, ref core.NodeRef, name core.QName, value any) error {
	return s.AddProperties(ctx, ref, map[core.QName]any{name: value})
}

// AddProperties merges props into the node properties
func (s *Neo4jStore) AddProperties(ctx context.Context, ref core.NodeRef, props map[core.QName]any) error {
	return s.updateNode(ctx, ref, func(n *core.Node) {
		for k, v := range props {
			n.Properties[k] = normalizeValue(v)
		}
	})
}

// RemoveProperty deletes a property
func (s *Neo4jStore) RemoveProperty(ctx context.Context, ref core.NodeRef, name core.QName) error {
	return s.updateNode(ctx, ref, func(n *core.Node) { delete(n.Properties, name) })
}

// Snapshot returns a copy of the node
func (s *Neo4jStore) Snapshot(ctx context.Context, ref core.NodeRef) (*core.Node, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		raw, err := loadNode(ctx, tx, ref)
		if err != nil {
			return nil, err
		}
		return snapshotFromVertex(ref, raw)
	})
	if err != nil {
		return nil, err
	}
	return result.(*core.Node), nil
}

func snapshotFromVertex(ref core.NodeRef, raw neo4j.Node) (*core.Node, error) {
	n := &core.Node{Ref: ref}
	var err error
	typ, _ := raw.Props["type"].(string)
	if n.Type, err = parseStoredQName(typ); err != nil {
		return nil, err
	}
	if n.Aspects, err = nodeAspects(raw); err != nil {
		return nil, err
	}
	if n.Properties, err = nodeProperties(raw); err != nil {
		return nil, err
	}
	created, _ := raw.Props["created"].(string)
	modified, _ := raw.Props["modified"].(string)
	n.Created, _ = time.Parse(time.RFC3339Nano, created)
	n.Modified, _ = time.Parse(time.RFC3339Nano, modified)
	return n, nil
}
