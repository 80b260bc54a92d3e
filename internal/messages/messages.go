// Package messages implements the Message Bus (spec §4.2): durable
// inter-agent messages with threads, importance, ack-required, and a
// context-safe inbox that never leaks bodies.
package messages

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/swarmlog/swarmlog/internal/apperrors"
	"github.com/swarmlog/swarmlog/internal/eventlog"
)

const (
	// inboxHardCap bounds inbox regardless of the caller's requested limit
	// (spec §4.2, §8 invariant 7): the inbox is a headers-only context
	// preservation mechanism, not a transcript dump.
	inboxHardCap = 5

	// broadcastThreshold is the recipient count at which a send is tagged
	// is_broadcast (spec §4.2).
	broadcastThreshold = 3
)

var (
	progressRe = regexp.MustCompile(`(?i)progress`)
	blockedRe  = regexp.MustCompile(`(?i)blocked`)
	statusRe   = regexp.MustCompile(`(?i)status`)
)

// Importance enumerates the message priority levels.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

func validImportance(i Importance) bool {
	switch i {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent, "":
		return true
	default:
		return false
	}
}

// Message is a full projected row, used internally and by readMessage.
type Message struct {
	ID             string
	ProjectKey     string
	FromAgent      string
	Subject        string
	Body           string
	ThreadID       string
	Importance     Importance
	AckRequired    bool
	Classification string
	CreatedAtMs    int64
}

// Header is the body-free projection inbox() returns (spec §4.2 context
// preservation contract).
type Header struct {
	ID          string
	FromAgent   string
	Subject     string
	ThreadID    string
	Importance  Importance
	AckRequired bool
	ReadAtMs    *int64
	CreatedAtMs int64
}

// Bus sends and reads messages through the Log Store.
type Bus struct {
	db  *sql.DB
	log *eventlog.LogStore
}

func NewBus(db *sql.DB, log *eventlog.LogStore) *Bus {
	return &Bus{db: db, log: log}
}

// Send appends message_sent (and, for a novel thread, a synthetic
// thread_created event) and returns the message id.
func (b *Bus) Send(ctx context.Context, projectKey, from string, to []string, subject, body, threadID string, importance Importance, ackRequired bool) (string, error) {
	if from == "" {
		return "", apperrors.NewValidationError("from", "required")
	}
	if len(to) == 0 {
		return "", apperrors.NewValidationError("to", "at least one recipient required")
	}
	if !validImportance(importance) {
		return "", apperrors.NewValidationError("importance", fmt.Sprintf("invalid value %q", importance))
	}
	if importance == "" {
		importance = ImportanceNormal
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}

	id := uuid.NewString()
	novelThread, err := b.isNovelThread(ctx, projectKey, threadID)
	if err != nil {
		return "", err
	}

	// thread_created is appended first so it always precedes the message
	// that created the thread in sequence order (spec §4.2: "first send
	// with a novel thread_id emits thread_created").
	if novelThread {
		if _, err := b.log.Append(ctx, projectKey, eventlog.TypeThreadCreated, map[string]any{
			"thread_id":       threadID,
			"creator":         from,
			"initial_subject": subject,
			"first_message_id": id,
		}); err != nil {
			return "", err
		}
	}

	_, err = b.log.Append(ctx, projectKey, eventlog.TypeMessageSent, map[string]any{
		"id":           id,
		"from_agent":   from,
		"to":           to,
		"subject":      subject,
		"body":         body,
		"thread_id":    threadID,
		"importance":   string(importance),
		"ack_required": ackRequired,
		"is_broadcast": len(to) >= broadcastThreshold,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *Bus) isNovelThread(ctx context.Context, projectKey, threadID string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE project_key = $1 AND thread_id = $2`,
		projectKey, threadID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: check thread: %v", apperrors.ErrStorageUnavailable, err)
	}
	return count == 0, nil
}

// Inbox returns up to min(limit, 5) headers for agent, optionally filtered
// to urgent-only, newest first. Never returns bodies.
func (b *Bus) Inbox(ctx context.Context, projectKey, agent string, limit int, urgentOnly bool) ([]Header, error) {
	if limit <= 0 || limit > inboxHardCap {
		limit = inboxHardCap
	}

	query := `SELECT m.id, m.from_agent, m.subject, m.thread_id, m.importance, m.ack_required, r.read_at_ms, m.created_at_ms
	            FROM messages m
	            JOIN message_recipients r ON r.message_id = m.id
	           WHERE m.project_key = $1 AND r.agent_name = $2`
	args := []any{projectKey, agent}
	if urgentOnly {
		query += ` AND m.importance = 'urgent'`
	}
	query += ` ORDER BY m.created_at_ms DESC LIMIT $3`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: inbox: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		var h Header
		var importance string
		if err := rows.Scan(&h.ID, &h.FromAgent, &h.Subject, &h.ThreadID, &importance, &h.AckRequired, &h.ReadAtMs, &h.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("%w: scan header: %v", apperrors.ErrStorageUnavailable, err)
		}
		h.Importance = Importance(importance)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReadMessage returns the full message (including body), marks it read for
// agent, and classifies it by subject pattern. Classification is recorded
// on the message row the first time any recipient reads it. The recipient
// and classification updates happen inside the message_read append's own
// transaction (see Projection), so a storage failure leaves neither applied.
func (b *Bus) ReadMessage(ctx context.Context, projectKey, id, agent string) (Message, error) {
	m, err := b.get(ctx, projectKey, id)
	if err != nil {
		return Message{}, err
	}

	var recipientExists bool
	if err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM message_recipients WHERE message_id = $1 AND agent_name = $2)`,
		id, agent,
	).Scan(&recipientExists); err != nil {
		return Message{}, fmt.Errorf("%w: check recipient: %v", apperrors.ErrStorageUnavailable, err)
	}
	if !recipientExists {
		return Message{}, fmt.Errorf("%w: agent %s is not a recipient of %s", apperrors.ErrNotFound, agent, id)
	}

	classification := m.Classification
	if classification == "" {
		classification = classify(m.Subject)
	}

	if _, err := b.log.Append(ctx, projectKey, eventlog.TypeMessageRead, map[string]any{
		"id":             id,
		"agent":          agent,
		"classification": classification,
	}); err != nil {
		return Message{}, err
	}

	m.Classification = classification
	return m, nil
}

// Ack marks a recipient's row acked. Only meaningful for ack_required messages.
func (b *Bus) Ack(ctx context.Context, projectKey, id, agent string) error {
	var recipientExists bool
	if err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM message_recipients WHERE message_id = $1 AND agent_name = $2)`,
		id, agent,
	).Scan(&recipientExists); err != nil {
		return fmt.Errorf("%w: check recipient: %v", apperrors.ErrStorageUnavailable, err)
	}
	if !recipientExists {
		return fmt.Errorf("%w: agent %s is not a recipient of %s", apperrors.ErrNotFound, agent, id)
	}
	_, err := b.log.Append(ctx, projectKey, eventlog.TypeMessageAcked, map[string]any{"id": id, "agent": agent})
	return err
}

// EmitThreadActivity computes aggregate thread stats and emits
// thread_activity. Any agent may call this; threads have no explicit close.
func (b *Bus) EmitThreadActivity(ctx context.Context, projectKey, threadID string) error {
	var messageCount int
	var lastAgent string
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(from_agent) FILTER (WHERE created_at_ms = (SELECT MAX(created_at_ms) FROM messages WHERE project_key = $1 AND thread_id = $2)), '')
		   FROM messages WHERE project_key = $1 AND thread_id = $2`,
		projectKey, threadID,
	).Scan(&messageCount, &lastAgent)
	if err != nil {
		return fmt.Errorf("%w: thread stats: %v", apperrors.ErrStorageUnavailable, err)
	}

	var participantCount int
	err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT from_agent) FROM messages WHERE project_key = $1 AND thread_id = $2`,
		projectKey, threadID,
	).Scan(&participantCount)
	if err != nil {
		return fmt.Errorf("%w: thread participants: %v", apperrors.ErrStorageUnavailable, err)
	}

	_, err = b.log.Append(ctx, projectKey, eventlog.TypeThreadActivity, map[string]any{
		"thread_id":         threadID,
		"message_count":     messageCount,
		"participant_count": participantCount,
		"last_message_agent": lastAgent,
	})
	return err
}

func (b *Bus) get(ctx context.Context, projectKey, id string) (Message, error) {
	var m Message
	var importance string
	var classification sql.NullString
	err := b.db.QueryRowContext(ctx,
		`SELECT id, project_key, from_agent, subject, body, thread_id, importance, ack_required, classification, created_at_ms
		   FROM messages WHERE project_key = $1 AND id = $2`,
		projectKey, id,
	).Scan(&m.ID, &m.ProjectKey, &m.FromAgent, &m.Subject, &m.Body, &m.ThreadID, &importance, &m.AckRequired, &classification, &m.CreatedAtMs)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("%w: message %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: get message: %v", apperrors.ErrStorageUnavailable, err)
	}
	m.Importance = Importance(importance)
	m.Classification = classification.String
	return m, nil
}

// classify tags a message subject per spec §4.2's ordered rule list.
func classify(subject string) string {
	switch {
	case progressRe.MatchString(subject):
		return "progress"
	case blockedRe.MatchString(subject):
		return "blocked"
	case strings.HasSuffix(strings.TrimSpace(subject), "?"):
		return "question"
	case statusRe.MatchString(subject):
		return "status"
	default:
		return "general"
	}
}

// Projection applies message_sent, message_read, and message_acked events to
// the messages/message_recipients tables.
func Projection() eventlog.ProjectionApplier {
	return func(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
		switch evt.Type {
		case eventlog.TypeMessageSent:
			return applyMessageSent(ctx, tx, evt)
		case eventlog.TypeMessageRead:
			return applyMessageRead(ctx, tx, evt)
		case eventlog.TypeMessageAcked:
			return applyMessageAcked(ctx, tx, evt)
		default:
			return nil
		}
	}
}

func applyMessageRead(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	agent, _ := evt.Data["agent"].(string)
	classification, _ := evt.Data["classification"].(string)

	if _, err := tx.ExecContext(ctx,
		`UPDATE message_recipients SET read_at_ms = COALESCE(read_at_ms, $3)
		   WHERE message_id = $1 AND agent_name = $2`,
		id, agent, evt.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: apply message_read: %v", apperrors.ErrStorageUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET classification = COALESCE(classification, $2) WHERE id = $1`,
		id, classification,
	); err != nil {
		return fmt.Errorf("%w: set classification: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func applyMessageAcked(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	agent, _ := evt.Data["agent"].(string)

	if _, err := tx.ExecContext(ctx,
		`UPDATE message_recipients SET acked_at_ms = COALESCE(acked_at_ms, $3)
		   WHERE message_id = $1 AND agent_name = $2`,
		id, agent, evt.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: apply message_acked: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

// toStringSlice accepts either a native []string (event data supplied
// in-process to Append, not yet round-tripped through JSON) or a []any
// (event data decoded from a NOTIFY payload or a re-read row).
func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func applyMessageSent(ctx context.Context, tx *sql.Tx, evt eventlog.Event) error {
	id, _ := evt.Data["id"].(string)
	from, _ := evt.Data["from_agent"].(string)
	subject, _ := evt.Data["subject"].(string)
	body, _ := evt.Data["body"].(string)
	threadID, _ := evt.Data["thread_id"].(string)
	importance, _ := evt.Data["importance"].(string)
	ackRequired, _ := evt.Data["ack_required"].(bool)

	to := toStringSlice(evt.Data["to"])

	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, evt.ProjectKey, from, subject, body, threadID, importance, ackRequired, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: apply message_sent: %v", apperrors.ErrStorageUnavailable, err)
	}

	for _, recipient := range to {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_recipients (message_id, agent_name) VALUES ($1, $2)
			 ON CONFLICT (message_id, agent_name) DO NOTHING`,
			id, recipient,
		); err != nil {
			return fmt.Errorf("%w: insert recipient: %v", apperrors.ErrStorageUnavailable, err)
		}
	}
	return nil
}
