package zwave

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// NodeRecorder passively records node activity seen on the Z-Wave mesh.
// It is called by the Bridge whenever a frame is received, building a
// database of known nodes over time.
//
// This enables health checks to use discovered nodes without manual
// configuration - the recorder implements NodeProvider for the serial
// gateway Manager.
//
// Thread Safety: All methods are safe for concurrent use.
type NodeRecorder struct {
	db     *sql.DB
	logger Logger

	// Prepared statements for upserts (created once, reused)
	activityStmt *sql.Stmt
	infoStmt     *sql.Stmt
	stmtMu       sync.Mutex

	// Shutdown coordination
	closed bool
	mu     sync.RWMutex
}

// NewNodeRecorder creates a new recorder for Z-Wave node activity.
// The database must have the zwave_nodes table created.
func NewNodeRecorder(db *sql.DB) *NodeRecorder {
	return &NodeRecorder{
		db: db,
	}
}

// SetLogger sets the logger for the recorder.
func (r *NodeRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder for use.
// Must be called before RecordActivity.
func (r *NodeRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.activityStmt != nil {
		return nil // Already started
	}

	// Prepare activity upsert statement
	activityStmt, err := r.db.Prepare(`
		INSERT INTO zwave_nodes (node_id, last_seen, message_count)
		VALUES (?, ?, 1)
		ON CONFLICT(node_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing activity upsert statement: %w", err)
	}

	// Prepare node info upsert statement
	infoStmt, err := r.db.Prepare(`
		INSERT INTO zwave_nodes (node_id, last_seen, message_count, basic_class, generic_class, listening)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			basic_class = excluded.basic_class,
			generic_class = excluded.generic_class,
			listening = excluded.listening
	`)
	if err != nil {
		activityStmt.Close()
		return fmt.Errorf("preparing node info upsert statement: %w", err)
	}

	r.activityStmt = activityStmt
	r.infoStmt = infoStmt
	r.log("node recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *NodeRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.activityStmt != nil {
		r.activityStmt.Close()
		r.activityStmt = nil
	}
	if r.infoStmt != nil {
		r.infoStmt.Close()
		r.infoStmt = nil
	}

	r.log("node recorder stopped")
}

// RecordActivity records that a node was heard from on the mesh.
// Called by the Bridge for every received frame.
func (r *NodeRecorder) RecordActivity(node NodeID) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	stmt := r.activityStmt
	r.stmtMu.Unlock()

	if stmt == nil {
		return // Not started
	}

	if !node.Valid() {
		return
	}

	now := time.Now().Unix()
	if _, err := stmt.Exec(int(node), now); err != nil {
		r.logError("recording node activity", err)
	}
}

// RecordNodeInfo records protocol details learned during interrogation.
// Activity counters are untouched; only the descriptive columns update.
func (r *NodeRecorder) RecordNodeInfo(node NodeID, class DeviceClass, listening bool) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	stmt := r.infoStmt
	r.stmtMu.Unlock()

	if stmt == nil {
		return
	}

	listeningVal := 0
	if listening {
		listeningVal = 1
	}

	now := time.Now().Unix()
	if _, err := stmt.Exec(int(node), now, int(class.Basic), int(class.Generic), listeningVal); err != nil {
		r.logError("recording node info", err)
	}
}

// GetHealthCheckNodes returns node IDs for Layer 3 health checks.
// The selection strategy cycles through nodes to spread load across the
// mesh instead of always pinging the same device.
//
// Priority order:
//  1. Listening (mains-powered) nodes, least recently checked first
//  2. Remaining nodes, least recently checked first
//
// Battery devices sleep most of the time, so listening nodes make far
// better ping targets.
//
// Implements serialgw.NodeProvider interface.
func (r *NodeRecorder) GetHealthCheckNodes(ctx context.Context, limit int) ([]uint8, error) {
	// SQLite sorts NULL before other values in ASC order by default
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id FROM zwave_nodes
		ORDER BY listening DESC, last_health_check ASC, last_seen DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []uint8
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id >= int(MinNodeID) && id <= int(MaxNodeID) {
			nodes = append(nodes, uint8(id))
		}
	}

	return nodes, rows.Err()
}

// MarkHealthCheckUsed records that a node was just used for a health check.
// This enables cycling through nodes instead of always pinging the same one.
func (r *NodeRecorder) MarkHealthCheckUsed(ctx context.Context, node uint8) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE zwave_nodes SET last_health_check = ? WHERE node_id = ?
	`, now, int(node))
	return err
}

// NodeCount returns the number of recorded nodes.
func (r *NodeRecorder) NodeCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zwave_nodes`).Scan(&count)
	return count, err
}

// ListeningNodeCount returns the number of recorded mains-powered nodes.
func (r *NodeRecorder) ListeningNodeCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zwave_nodes WHERE listening = 1`).Scan(&count)
	return count, err
}

// log logs an info message if logger is set.
func (r *NodeRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (r *NodeRecorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
