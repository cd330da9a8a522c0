// Package store is the control plane's durable record of users, API keys,
// apps, and nodes. It is the Go-native twin of the original implementation's
// libsql-backed Db: same tables, same indices, same query shapes, ported to
// database/sql over modernc.org/sqlite with goose-managed embedded
// migrations in place of hand-rolled CREATE TABLE IF NOT EXISTS calls run on
// every connect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection backing the control plane.
type Store struct {
	conn *sql.DB
}

// User mirrors db.rs's User row.
type User struct {
	ID        string
	Email     string
	Tier      string
	CreatedAt string
}

// App mirrors db.rs's App row. Name is empty when the app has no vanity name.
type App struct {
	ID        string
	Name      string
	UserID    string
	NodeID    string
	CreatedAt string
	UpdatedAt string
}

// Node mirrors db.rs's Node row. CivoInstanceID is empty for manually
// registered nodes.
type Node struct {
	ID             string
	IP             string
	Port           int64
	Region         string
	AppCount       int64
	MaxApps        int64
	Status         string
	CivoInstanceID string
	CreatedAt      string
}

// Open connects to the sqlite database at path (a file path, or
// "file::memory:?cache=shared" for tests) and applies all pending
// migrations. Mirrors joestump-claude-ops's db.Open shape: single
// connection, WAL journal mode, goose.NewProvider over an embedded FS.
func Open(path string) (*Store, error) {
	pragmas := "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	conn, err := sql.Open("sqlite", path+sep+pragmas)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// ── Users ─────────────────────────────────────────────────────────────────

// CreateUser inserts a new user row with the default "free" tier.
func (s *Store) CreateUser(id, email string) (*User, error) {
	_, err := s.conn.Exec(`INSERT INTO users (id, email) VALUES (?, ?)`, id, email)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return s.GetUser(id)
}

// GetUser looks up a user by id. Returns nil, nil if not found.
func (s *Store) GetUser(id string) (*User, error) {
	u := &User{}
	err := s.conn.QueryRow(`SELECT id, email, tier, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Tier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks up a user by email. Returns nil, nil if not found.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	u := &User{}
	err := s.conn.QueryRow(`SELECT id, email, tier, created_at FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.Tier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return u, nil
}

// ── API keys ──────────────────────────────────────────────────────────────

// StoreAPIKey records a hashed API key against a user.
func (s *Store) StoreAPIKey(keyHash, userID, name string) error {
	_, err := s.conn.Exec(`INSERT INTO api_keys (key_hash, user_id, name) VALUES (?, ?, ?)`, keyHash, userID, name)
	if err != nil {
		return fmt.Errorf("store: store api key: %w", err)
	}
	return nil
}

// GetUserByKeyHash resolves the user owning an API key, by its hash.
// Returns nil, nil if the key is unknown.
func (s *Store) GetUserByKeyHash(keyHash string) (*User, error) {
	u := &User{}
	err := s.conn.QueryRow(
		`SELECT u.id, u.email, u.tier, u.created_at
		 FROM api_keys k JOIN users u ON k.user_id = u.id
		 WHERE k.key_hash = ?`, keyHash,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by key hash: %w", err)
	}
	return u, nil
}

// ── Apps ──────────────────────────────────────────────────────────────────

const appColumns = `id, name, user_id, node_id, created_at, updated_at`

func scanApp(row interface{ Scan(...any) error }) (*App, error) {
	a := &App{}
	var name sql.NullString
	if err := row.Scan(&a.ID, &name, &a.UserID, &a.NodeID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Name = name.String
	return a, nil
}

// CreateApp inserts a new app row. name may be empty (no vanity name).
func (s *Store) CreateApp(id, name, userID, nodeID string) (*App, error) {
	_, err := s.conn.Exec(
		`INSERT INTO apps (id, name, user_id, node_id) VALUES (?, NULLIF(?, ''), ?, ?)`,
		id, name, userID, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create app: %w", err)
	}
	return s.GetApp(id)
}

// GetApp looks up an app by id. Returns nil, nil if not found.
func (s *Store) GetApp(id string) (*App, error) {
	row := s.conn.QueryRow(`SELECT `+appColumns+` FROM apps WHERE id = ?`, id)
	a, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get app: %w", err)
	}
	return a, nil
}

// GetAppByName looks up an app by its vanity name. Returns nil, nil if not found.
func (s *Store) GetAppByName(name string) (*App, error) {
	row := s.conn.QueryRow(`SELECT `+appColumns+` FROM apps WHERE name = ?`, name)
	a, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get app by name: %w", err)
	}
	return a, nil
}

// ListAppsForUser returns a user's apps, newest first.
func (s *Store) ListAppsForUser(userID string) ([]App, error) {
	rows, err := s.conn.Query(`SELECT `+appColumns+` FROM apps WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list apps for user: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var apps []App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan app: %w", err)
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

// ListAppsOnNode returns every app currently assigned to a node.
func (s *Store) ListAppsOnNode(nodeID string) ([]App, error) {
	rows, err := s.conn.Query(`SELECT `+appColumns+` FROM apps WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: list apps on node: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var apps []App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan app: %w", err)
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

// UpdateAppNode reassigns an app to a different node (used on redeploy).
func (s *Store) UpdateAppNode(appID, nodeID string) error {
	_, err := s.conn.Exec(`UPDATE apps SET node_id = ?, updated_at = datetime('now') WHERE id = ?`, nodeID, appID)
	if err != nil {
		return fmt.Errorf("store: update app node: %w", err)
	}
	return nil
}

// DeleteApp removes an app row.
func (s *Store) DeleteApp(appID string) error {
	_, err := s.conn.Exec(`DELETE FROM apps WHERE id = ?`, appID)
	if err != nil {
		return fmt.Errorf("store: delete app: %w", err)
	}
	return nil
}

// CountAppsForUser returns how many apps a user currently owns.
func (s *Store) CountAppsForUser(userID string) (int64, error) {
	var n int64
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM apps WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count apps for user: %w", err)
	}
	return n, nil
}

// ResolveSubdomain resolves a subdomain (app id or vanity name) to its app
// and the node currently hosting it.
func (s *Store) ResolveSubdomain(subdomain string) (*App, *Node, error) {
	row := s.conn.QueryRow(
		`SELECT a.id, a.name, a.user_id, a.node_id, a.created_at, a.updated_at,
		        n.id, n.ip, n.port, n.region, n.app_count, n.max_apps, n.status, n.civo_instance_id, n.created_at
		 FROM apps a JOIN nodes n ON a.node_id = n.id
		 WHERE a.id = ? OR a.name = ?
		 LIMIT 1`, subdomain, subdomain,
	)
	a := &App{}
	n := &Node{}
	var appName, civoID sql.NullString
	err := row.Scan(
		&a.ID, &appName, &a.UserID, &a.NodeID, &a.CreatedAt, &a.UpdatedAt,
		&n.ID, &n.IP, &n.Port, &n.Region, &n.AppCount, &n.MaxApps, &n.Status, &civoID, &n.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store: resolve subdomain: %w", err)
	}
	a.Name = appName.String
	n.CivoInstanceID = civoID.String
	return a, n, nil
}

// ── Nodes ─────────────────────────────────────────────────────────────────

const nodeColumns = `id, ip, port, region, app_count, max_apps, status, civo_instance_id, created_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	n := &Node{}
	var civoID sql.NullString
	if err := row.Scan(&n.ID, &n.IP, &n.Port, &n.Region, &n.AppCount, &n.MaxApps, &n.Status, &civoID, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.CivoInstanceID = civoID.String
	return n, nil
}

// CreateNode inserts a new node row. civoInstanceID may be empty for
// manually registered nodes.
func (s *Store) CreateNode(id, ip string, port int64, region, civoInstanceID string) (*Node, error) {
	_, err := s.conn.Exec(
		`INSERT INTO nodes (id, ip, port, region, civo_instance_id) VALUES (?, ?, ?, ?, NULLIF(?, ''))`,
		id, ip, port, region, civoInstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create node: %w", err)
	}
	return s.GetNode(id)
}

// GetNode looks up a node by id. Returns nil, nil if not found.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.conn.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return n, nil
}

// ListNodes returns every node, least-loaded first.
func (s *Store) ListNodes() ([]Node, error) {
	rows, err := s.conn.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY app_count ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// SelectNode returns the active node with the smallest app_count that still
// has capacity, or nil, nil if none qualify.
func (s *Store) SelectNode() (*Node, error) {
	row := s.conn.QueryRow(
		`SELECT ` + nodeColumns + `
		 FROM nodes
		 WHERE status = 'active' AND app_count < max_apps
		 ORDER BY app_count ASC
		 LIMIT 1`,
	)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: select node: %w", err)
	}
	return n, nil
}

// IncrementNodeAppCount bumps a node's app_count by one.
func (s *Store) IncrementNodeAppCount(nodeID string) error {
	_, err := s.conn.Exec(`UPDATE nodes SET app_count = app_count + 1 WHERE id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("store: increment node app count: %w", err)
	}
	return nil
}

// DecrementNodeAppCount decrements a node's app_count, clamped at zero.
func (s *Store) DecrementNodeAppCount(nodeID string) error {
	_, err := s.conn.Exec(`UPDATE nodes SET app_count = MAX(0, app_count - 1) WHERE id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("store: decrement node app count: %w", err)
	}
	return nil
}

// UpdateNodeStatus sets a node's status (active, draining, down, ...).
func (s *Store) UpdateNodeStatus(nodeID, status string) error {
	_, err := s.conn.Exec(`UPDATE nodes SET status = ? WHERE id = ?`, status, nodeID)
	if err != nil {
		return fmt.Errorf("store: update node status: %w", err)
	}
	return nil
}

// DeleteNode removes a node row.
func (s *Store) DeleteNode(nodeID string) error {
	_, err := s.conn.Exec(`DELETE FROM nodes WHERE id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("store: delete node: %w", err)
	}
	return nil
}
