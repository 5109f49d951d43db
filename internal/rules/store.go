package rules

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store persists rules (and their capture/handler rows) in the `rule`,
// `capture`, and `handler` tables. Writes are transactional;
// the in-memory Matcher's cache is invalidated only after commit, per the
// "write-path is transactional... cache invalidation happens after commit"
// discipline.
//
// Follows the same glebarez/go-sqlite + WAL-mode DSN pattern as the audit
// index this behavior was modeled on.
type Store struct {
	db      *sql.DB
	matcher *Matcher

	mu           sync.Mutex
	ruleVersions map[int64]int64
}

// Open opens (creating if absent) the sqlite-backed rule store at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening rule store %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating rule store: %w", err)
	}
	return &Store{db: db, matcher: NewMatcher(), ruleVersions: make(map[int64]int64)}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rule (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			enabled INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS capture (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL,
			capture_type TEXT NOT NULL,
			pattern TEXT,
			method TEXT,
			host TEXT,
			config TEXT,
			enabled INTEGER NOT NULL,
			parent_id INTEGER,
			operator TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS handler (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER NOT NULL,
			handler_type TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			execution_order INTEGER NOT NULL,
			config TEXT,
			enabled INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT UNIQUE NOT NULL,
			value TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS api_debug (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			headers TEXT,
			body BLOB,
			content_type TEXT,
			timeout INTEGER,
			status TEXT NOT NULL,
			response_status INTEGER,
			response_headers TEXT,
			response_body BLOB,
			response_time_ms INTEGER,
			error_message TEXT,
			is_history INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_debug_tree (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			parent_id INTEGER,
			api_debug_id INTEGER,
			sort_order INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_capture_rule_id ON capture(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_handler_rule_id ON handler(rule_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Matcher returns the store's rule matcher, shared across evaluations.
func (s *Store) Matcher() *Matcher { return s.matcher }

// DB returns the underlying connection so callers (the self-service API's
// app_config/api_debug tables) can share the same sqlite file without
// opening a second connection.
func (s *Store) DB() *sql.DB { return s.db }

// List returns every rule, ordered by (priority desc, id asc), ready for
// Matcher.Match.
func (s *Store) List() ([]Rule, error) {
	rows, err := s.db.Query(`SELECT id, name, description, enabled, priority FROM rule ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var desc sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &desc, &r.Enabled, &r.Priority); err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		r.Description = desc.String
		capture, err := s.loadCapture(r.ID, 0)
		if err != nil {
			return nil, err
		}
		r.Capture = capture
		handlers, err := s.loadHandlers(r.ID)
		if err != nil {
			return nil, err
		}
		r.Handlers = handlers
		r.Version = s.versionFor(r.ID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// versionFor returns the per-rule version bumped on every Create/Update,
// letting Matcher's cache key on (ruleID, version) instead of re-comparing
// the whole rule body.
func (s *Store) versionFor(ruleID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ruleVersions[ruleID]
}

type captureRow struct {
	id       int64
	kind     string
	pattern  sql.NullString
	method   sql.NullString
	host     sql.NullString
	config   sql.NullString
	operator sql.NullString
}

// loadCapture reconstructs the capture tree for a rule from the capture
// table, where parent_id=0 marks the tree root and nodes with an operator
// set are Complex, nodes without are Simple.
func (s *Store) loadCapture(ruleID int64, parentID int64) (CaptureRule, error) {
	rows, err := s.db.Query(`SELECT id, capture_type, pattern, method, host, config, operator
		FROM capture WHERE rule_id = ? AND COALESCE(parent_id, 0) = ? ORDER BY id ASC`, ruleID, parentID)
	if err != nil {
		return CaptureRule{}, fmt.Errorf("loading capture for rule %d: %w", ruleID, err)
	}
	defer rows.Close()

	var nodes []captureRow
	for rows.Next() {
		var n captureRow
		if err := rows.Scan(&n.id, &n.kind, &n.pattern, &n.method, &n.host, &n.config, &n.operator); err != nil {
			return CaptureRule{}, fmt.Errorf("scanning capture row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return CaptureRule{}, err
	}
	if len(nodes) == 0 {
		return CaptureRule{}, fmt.Errorf("rule %d has no capture condition", ruleID)
	}
	n := nodes[0]

	if n.operator.Valid && n.operator.String != "" {
		children, err := s.loadCaptureChildren(ruleID, n.id)
		if err != nil {
			return CaptureRule{}, err
		}
		return CaptureRule{Complex: &ComplexCondition{
			Operator: parseOperator(n.operator.String),
			Children: children,
		}}, nil
	}

	var cfg map[string]any
	if n.config.Valid && n.config.String != "" {
		if err := json.Unmarshal([]byte(n.config.String), &cfg); err != nil {
			return CaptureRule{}, fmt.Errorf("decoding capture config: %w", err)
		}
	}
	return CaptureRule{Simple: &SimpleCondition{
		Kind:    parseKind(n.kind),
		Pattern: n.pattern.String,
		Method:  n.method.String,
		Host:    n.host.String,
		Config:  cfg,
	}}, nil
}

func (s *Store) loadCaptureChildren(ruleID, parentID int64) ([]CaptureRule, error) {
	rows, err := s.db.Query(`SELECT id FROM capture WHERE rule_id = ? AND parent_id = ? ORDER BY id ASC`, ruleID, parentID)
	if err != nil {
		return nil, fmt.Errorf("loading capture children: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []CaptureRule
	for _, id := range ids {
		child, err := s.loadCaptureNode(ruleID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (s *Store) loadCaptureNode(ruleID, id int64) (CaptureRule, error) {
	row := s.db.QueryRow(`SELECT capture_type, pattern, method, host, config, operator FROM capture WHERE rule_id = ? AND id = ?`, ruleID, id)
	var kind string
	var pattern, method, host, config, operator sql.NullString
	if err := row.Scan(&kind, &pattern, &method, &host, &config, &operator); err != nil {
		return CaptureRule{}, fmt.Errorf("scanning capture node %d: %w", id, err)
	}
	if operator.Valid && operator.String != "" {
		children, err := s.loadCaptureChildren(ruleID, id)
		if err != nil {
			return CaptureRule{}, err
		}
		return CaptureRule{Complex: &ComplexCondition{Operator: parseOperator(operator.String), Children: children}}, nil
	}
	var cfg map[string]any
	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &cfg); err != nil {
			return CaptureRule{}, fmt.Errorf("decoding capture config: %w", err)
		}
	}
	return CaptureRule{Simple: &SimpleCondition{
		Kind: parseKind(kind), Pattern: pattern.String, Method: method.String, Host: host.String, Config: cfg,
	}}, nil
}

func (s *Store) loadHandlers(ruleID int64) ([]HandlerRule, error) {
	rows, err := s.db.Query(`SELECT handler_type, name, execution_order, config, enabled
		FROM handler WHERE rule_id = ? ORDER BY execution_order ASC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("loading handlers for rule %d: %w", ruleID, err)
	}
	defer rows.Close()

	var out []HandlerRule
	for rows.Next() {
		var typ, name string
		var order int
		var configJSON sql.NullString
		var enabled bool
		if err := rows.Scan(&typ, &name, &order, &configJSON, &enabled); err != nil {
			return nil, fmt.Errorf("scanning handler row: %w", err)
		}
		cfg, err := decodeHandlerConfig(typ, configJSON.String)
		if err != nil {
			return nil, fmt.Errorf("decoding handler %q config: %w", name, err)
		}
		out = append(out, HandlerRule{
			HandlerType:    parseHandlerType(typ),
			Name:           name,
			ExecutionOrder: order,
			Config:         cfg,
			Enabled:        enabled,
		})
	}
	return out, rows.Err()
}

// Create inserts a new rule with its capture tree and handlers inside one
// transaction, then sets the new rule's version to 1 and invalidates
// nothing (a fresh rule id has no stale cache entry).
func (s *Store) Create(r Rule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("validating rule: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`INSERT INTO rule (name, description, enabled, priority, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Name, r.Description, r.Enabled, r.Priority, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting rule: %w", err)
	}
	ruleID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading rule id: %w", err)
	}

	if err := insertCaptureTree(tx, ruleID, 0, r.Capture); err != nil {
		return 0, err
	}
	if err := insertHandlers(tx, ruleID, r.Handlers); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rule insert: %w", err)
	}

	s.mu.Lock()
	s.ruleVersions[ruleID] = 1
	s.mu.Unlock()

	return ruleID, nil
}

// Update replaces a rule's fields, capture tree, and handlers inside one
// transaction, invalidating the matcher's cached entry only after commit.
func (s *Store) Update(r Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validating rule: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`UPDATE rule SET name=?, description=?, enabled=?, priority=?, updated_at=? WHERE id=?`,
		r.Name, r.Description, r.Enabled, r.Priority, now, r.ID); err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM capture WHERE rule_id=?`, r.ID); err != nil {
		return fmt.Errorf("clearing old capture rows: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM handler WHERE rule_id=?`, r.ID); err != nil {
		return fmt.Errorf("clearing old handler rows: %w", err)
	}
	if err := insertCaptureTree(tx, r.ID, 0, r.Capture); err != nil {
		return err
	}
	if err := insertHandlers(tx, r.ID, r.Handlers); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rule update: %w", err)
	}

	s.mu.Lock()
	s.ruleVersions[r.ID]++
	s.mu.Unlock()
	s.matcher.Invalidate(r.ID)

	return nil
}

// Delete removes a rule and its capture/handler rows.
func (s *Store) Delete(ruleID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM capture WHERE rule_id=?`, ruleID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM handler WHERE rule_id=?`, ruleID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM rule WHERE id=?`, ruleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rule delete: %w", err)
	}

	s.mu.Lock()
	delete(s.ruleVersions, ruleID)
	s.mu.Unlock()
	s.matcher.Invalidate(ruleID)
	return nil
}

func insertCaptureTree(tx *sql.Tx, ruleID, parentID int64, c CaptureRule) error {
	if c.Simple != nil {
		cfgJSON, err := json.Marshal(c.Simple.Config)
		if err != nil {
			return fmt.Errorf("encoding capture config: %w", err)
		}
		var parent sql.NullInt64
		if parentID != 0 {
			parent = sql.NullInt64{Int64: parentID, Valid: true}
		}
		_, err = tx.Exec(`INSERT INTO capture (rule_id, capture_type, pattern, method, host, config, enabled, parent_id, operator)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, '')`,
			ruleID, c.Simple.Kind.String(), c.Simple.Pattern, c.Simple.Method, c.Simple.Host, string(cfgJSON), parent)
		if err != nil {
			return fmt.Errorf("inserting simple capture: %w", err)
		}
		return nil
	}
	if c.Complex == nil {
		return fmt.Errorf("capture rule has neither simple nor complex condition")
	}
	var parent sql.NullInt64
	if parentID != 0 {
		parent = sql.NullInt64{Int64: parentID, Valid: true}
	}
	res, err := tx.Exec(`INSERT INTO capture (rule_id, capture_type, enabled, parent_id, operator) VALUES (?, 'complex', 1, ?, ?)`,
		ruleID, parent, operatorString(c.Complex.Operator))
	if err != nil {
		return fmt.Errorf("inserting complex capture: %w", err)
	}
	nodeID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, child := range c.Complex.Children {
		if err := insertCaptureTree(tx, ruleID, nodeID, child); err != nil {
			return err
		}
	}
	return nil
}

func insertHandlers(tx *sql.Tx, ruleID int64, handlers []HandlerRule) error {
	for _, h := range handlers {
		cfgJSON, err := json.Marshal(h.Config)
		if err != nil {
			return fmt.Errorf("encoding handler config: %w", err)
		}
		_, err = tx.Exec(`INSERT INTO handler (rule_id, handler_type, name, execution_order, config, enabled) VALUES (?, ?, ?, ?, ?, ?)`,
			ruleID, handlerTypeString(h.HandlerType), h.Name, h.ExecutionOrder, string(cfgJSON), h.Enabled)
		if err != nil {
			return fmt.Errorf("inserting handler %q: %w", h.Name, err)
		}
	}
	return nil
}

func decodeHandlerConfig(typ, raw string) (HandlerConfig, error) {
	var cfg HandlerConfig
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return HandlerConfig{}, err
	}
	return cfg, nil
}

func parseKind(s string) CaptureKind {
	switch s {
	case "glob":
		return KindGlob
	case "regex":
		return KindRegex
	case "exact":
		return KindExact
	default:
		return KindContains
	}
}

func parseOperator(s string) LogicalOp {
	switch s {
	case "and":
		return OpAnd
	case "or":
		return OpOr
	default:
		return OpNot
	}
}

func operatorString(op LogicalOp) string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return "not"
	}
}

func parseHandlerType(s string) HandlerType {
	switch s {
	case "block":
		return HandlerBlock
	case "delay":
		return HandlerDelay
	case "modify_request":
		return HandlerModifyRequest
	case "modify_response":
		return HandlerModifyResponse
	case "local_file":
		return HandlerLocalFile
	case "html_inject":
		return HandlerHtmlInject
	default:
		return HandlerProxyForward
	}
}

func handlerTypeString(t HandlerType) string {
	switch t {
	case HandlerBlock:
		return "block"
	case HandlerDelay:
		return "delay"
	case HandlerModifyRequest:
		return "modify_request"
	case HandlerModifyResponse:
		return "modify_response"
	case HandlerLocalFile:
		return "local_file"
	case HandlerHtmlInject:
		return "html_inject"
	default:
		return "proxy_forward"
	}
}
