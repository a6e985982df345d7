package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/groundkeeper/idgen"
	"github.com/hazyhaar/groundkeeper/kit"
)

// AuditEntry is one operator action: a review, a gate reset, a requeue.
type AuditEntry struct {
	EntryID      string        `json:"entry_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Actor        string        `json:"actor,omitempty"`
	Transport    string        `json:"transport,omitempty"`
	Action       string        `json:"action"`
	ConnectionID string        `json:"connection_id,omitempty"`
	EntityID     string        `json:"entity_id,omitempty"`
	Parameters   string        `json:"parameters,omitempty"`
	Status       string        `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Audit persists operator actions asynchronously.
type Audit struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
}

// NewAudit starts an async audit writer. Recommended bufferSize: 256.
func NewAudit(db *sql.DB, bufferSize int, logger *slog.Logger) *Audit {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Audit{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.Default),
		logger: logger,
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Record builds an entry from an operation outcome and queues it. Actor
// and transport come from ctx. When the buffer is full the entry is written
// synchronously. Safe on a nil *Audit.
func (a *Audit) Record(ctx context.Context, action, connectionID, entityID string, params any, err error, d time.Duration) {
	if a == nil {
		return
	}
	e := &AuditEntry{
		EntryID:      a.newID(),
		Timestamp:    time.Now(),
		Actor:        kit.GetActor(ctx),
		Transport:    kit.GetTransport(ctx),
		Action:       action,
		ConnectionID: connectionID,
		EntityID:     entityID,
		Parameters:   "{}",
		Status:       "success",
		Duration:     d,
	}
	if params != nil {
		if b, jerr := json.Marshal(params); jerr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
	}
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("observability: audit buffer full, writing inline", "action", action)
		if err := a.insert(context.WithoutCancel(ctx), e); err != nil {
			a.logger.Error("observability: audit insert", "error", err)
		}
	}
}

// List returns the audit entries of a connection, newest first. An empty
// connection lists every entry.
func (a *Audit) List(ctx context.Context, connectionID string, limit int) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, actor, transport, action, connection_id, entity_id,
		parameters, status, error_message, duration_ms FROM operator_audit`
	var args []any
	if connectionID != "" {
		q += ` WHERE connection_id = ?`
		args = append(args, connectionID)
	}
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY timestamp DESC, entry_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: list audit: %w", err)
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts, ms int64
		if err := rows.Scan(&e.EntryID, &ts, &e.Actor, &e.Transport, &e.Action, &e.ConnectionID,
			&e.EntityID, &e.Parameters, &e.Status, &e.ErrorMessage, &ms); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close drains queued entries and stops the writer.
func (a *Audit) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *Audit) loop() {
	defer close(a.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range batch {
			if err := a.insert(ctx, e); err != nil {
				a.logger.Error("observability: audit insert", "error", err, "entry_id", e.EntryID)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) == cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *Audit) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO operator_audit (entry_id, timestamp, actor, transport, action, connection_id,
		entity_id, parameters, status, error_message, duration_ms) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Actor, e.Transport, e.Action, e.ConnectionID,
		e.EntityID, e.Parameters, e.Status, e.ErrorMessage, e.Duration.Milliseconds())
	return err
}
