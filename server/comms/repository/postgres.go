package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pharma_comms/server/comms/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS comms_rooms (
			room_id TEXT PRIMARY KEY,
			room_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			settings JSONB NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			dedup_key TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS comms_rooms_dedup_key_idx ON comms_rooms(dedup_key) WHERE dedup_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS comms_participants (
			room_id TEXT NOT NULL REFERENCES comms_rooms(room_id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			capabilities JSONB NOT NULL DEFAULT '{}',
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS comms_messages (
			message_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL,
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			parent_id TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			read_by JSONB NOT NULL DEFAULT '{}',
			reactions JSONB NOT NULL DEFAULT '{}',
			edit_history JSONB NOT NULL DEFAULT '[]',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (room_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS comms_messages_room_seq_idx ON comms_messages(room_id, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS comms_calls (
			call_id TEXT PRIMARY KEY,
			initiator_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			call_type TEXT NOT NULL,
			end_reason TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			session JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room domain.Room) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPersistence(err)
	}
	defer tx.Rollback(ctx)

	settings, _ := json.Marshal(room.Settings)
	metadata, _ := json.Marshal(room.Metadata)
	var dedup *string
	if room.DedupKey != "" {
		dedup = &room.DedupKey
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO comms_rooms(room_id, room_type, name, created_by, settings, metadata, dedup_key, created_at, last_activity)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, room.ID, room.Type, room.Name, room.CreatedBy, settings, metadata, dedup, room.CreatedAt, room.LastActivity)
	if err != nil {
		return wrapPersistence(err)
	}
	for _, p := range room.Participants {
		caps, _ := json.Marshal(p.Capabilities)
		if _, err := tx.Exec(ctx, `
			INSERT INTO comms_participants(room_id, user_id, role, capabilities, joined_at)
			VALUES($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, room.ID, p.UserID, p.Role, caps, p.JoinedAt); err != nil {
			return wrapPersistence(err)
		}
	}
	return wrapPersistence(tx.Commit(ctx))
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	return s.getRoomBy(ctx, `room_id=$1`, roomID)
}

func (s *PostgresStore) FindRoomByDedupKey(ctx context.Context, key string) (*domain.Room, error) {
	return s.getRoomBy(ctx, `dedup_key=$1`, key)
}

func (s *PostgresStore) getRoomBy(ctx context.Context, where string, arg any) (*domain.Room, error) {
	var (
		room     domain.Room
		settings []byte
		metadata []byte
		dedup    *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, room_type, name, created_by, settings, metadata, dedup_key, created_at, last_activity
		FROM comms_rooms
		WHERE `+where, arg).Scan(&room.ID, &room.Type, &room.Name, &room.CreatedBy, &settings, &metadata, &dedup, &room.CreatedAt, &room.LastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, wrapPersistence(err)
	}
	_ = json.Unmarshal(settings, &room.Settings)
	_ = json.Unmarshal(metadata, &room.Metadata)
	if dedup != nil {
		room.DedupKey = *dedup
	}

	rows, err := s.pool.Query(ctx, `
		SELECT user_id, role, capabilities, joined_at
		FROM comms_participants
		WHERE room_id=$1
		ORDER BY joined_at ASC
	`, room.ID)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p    domain.Participant
			caps []byte
		)
		if err := rows.Scan(&p.UserID, &p.Role, &caps, &p.JoinedAt); err != nil {
			return nil, wrapPersistence(err)
		}
		_ = json.Unmarshal(caps, &p.Capabilities)
		room.Participants = append(room.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPersistence(err)
	}
	return &room, nil
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, room domain.Room) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapPersistence(err)
	}
	defer tx.Rollback(ctx)

	settings, _ := json.Marshal(room.Settings)
	metadata, _ := json.Marshal(room.Metadata)
	cmd, err := tx.Exec(ctx, `
		UPDATE comms_rooms
		SET name=$2, settings=$3, metadata=$4, last_activity=$5
		WHERE room_id=$1
	`, room.ID, room.Name, settings, metadata, room.LastActivity)
	if err != nil {
		return wrapPersistence(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM comms_participants WHERE room_id=$1`, room.ID); err != nil {
		return wrapPersistence(err)
	}
	for _, p := range room.Participants {
		caps, _ := json.Marshal(p.Capabilities)
		if _, err := tx.Exec(ctx, `
			INSERT INTO comms_participants(room_id, user_id, role, capabilities, joined_at)
			VALUES($1, $2, $3, $4, $5)
		`, room.ID, p.UserID, p.Role, caps, p.JoinedAt); err != nil {
			return wrapPersistence(err)
		}
	}
	return wrapPersistence(tx.Commit(ctx))
}

func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.room_id
		FROM comms_participants p
		JOIN comms_rooms r ON r.room_id = p.room_id
		WHERE p.user_id=$1
		ORDER BY r.last_activity DESC
	`, userID)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapPersistence(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapPersistence(err)
	}

	items := make([]domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, *room)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	metadata, _ := json.Marshal(msg.Metadata)
	readBy, _ := json.Marshal(msg.ReadBy)
	reactions, _ := json.Marshal(msg.Reactions)
	history, _ := json.Marshal(msg.EditHistory)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO comms_messages(message_id, room_id, seq, sender_id, content, message_type, encrypted, parent_id, metadata, read_by, reactions, edit_history, deleted, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		FROM comms_messages
		WHERE room_id=$2
		RETURNING seq
	`, msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.Type, msg.Encrypted, msg.ParentID, metadata, readBy, reactions, history, msg.Deleted, msg.CreatedAt).Scan(&msg.Seq)
	if err != nil {
		return msg, wrapPersistence(err)
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, roomID, messageID string) (*domain.Message, error) {
	msg, err := s.scanMessage(s.pool.QueryRow(ctx, messageSelect+` WHERE room_id=$1 AND message_id=$2`, roomID, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, wrapPersistence(err)
	}
	return msg, nil
}

const messageSelect = `
	SELECT message_id, room_id, seq, sender_id, content, message_type, encrypted, parent_id, metadata, read_by, reactions, edit_history, deleted, created_at
	FROM comms_messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m         domain.Message
		metadata  []byte
		readBy    []byte
		reactions []byte
		history   []byte
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Content, &m.Type, &m.Encrypted, &m.ParentID, &metadata, &readBy, &reactions, &history, &m.Deleted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metadata, &m.Metadata)
	_ = json.Unmarshal(readBy, &m.ReadBy)
	_ = json.Unmarshal(reactions, &m.Reactions)
	_ = json.Unmarshal(history, &m.EditHistory)
	if m.ReadBy == nil {
		m.ReadBy = map[string]time.Time{}
	}
	return &m, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg domain.Message) error {
	metadata, _ := json.Marshal(msg.Metadata)
	readBy, _ := json.Marshal(msg.ReadBy)
	reactions, _ := json.Marshal(msg.Reactions)
	history, _ := json.Marshal(msg.EditHistory)
	cmd, err := s.pool.Exec(ctx, `
		UPDATE comms_messages
		SET content=$3, metadata=$4, read_by=$5, reactions=$6, edit_history=$7, deleted=$8
		WHERE room_id=$1 AND message_id=$2
	`, msg.RoomID, msg.ID, msg.Content, metadata, readBy, reactions, history, msg.Deleted)
	if err != nil {
		return wrapPersistence(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, roomID string, limit int, beforeSeq *int64) ([]domain.Message, error) {
	query := messageSelect + ` WHERE room_id=$1`
	args := []any{roomID}
	if beforeSeq != nil {
		query += ` AND seq < $2 ORDER BY seq DESC LIMIT $3`
		args = append(args, *beforeSeq, limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	defer rows.Close()

	items := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, wrapPersistence(err)
		}
		items = append(items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPersistence(err)
	}
	// rows come newest-first; callers expect ascending sequence order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) MarkRoomRead(ctx context.Context, roomID, userID string, at time.Time) (int64, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE comms_messages
		SET read_by = read_by || jsonb_build_object($2::text, to_jsonb($3::timestamptz))
		WHERE room_id=$1 AND sender_id <> $2 AND NOT read_by ? $2
	`, roomID, userID, at)
	if err != nil {
		return 0, wrapPersistence(err)
	}
	return cmd.RowsAffected(), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, roomID, userID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)::BIGINT
		FROM comms_messages
		WHERE room_id=$1 AND sender_id <> $2 AND NOT deleted AND NOT read_by ? $2
	`, roomID, userID).Scan(&count)
	if err != nil {
		return 0, wrapPersistence(err)
	}
	return count, nil
}

func (s *PostgresStore) SearchMessages(ctx context.Context, roomID *string, query string, limit int) ([]domain.Message, error) {
	base := messageSelect + `
		WHERE NOT deleted AND NOT encrypted
		  AND (to_tsvector('simple', coalesce(content,'')) @@ plainto_tsquery('simple', $1) OR content ILIKE '%' || $1 || '%')`
	args := []any{query}
	idx := 2
	if roomID != nil {
		base += fmt.Sprintf(` AND room_id=$%d`, idx)
		args = append(args, *roomID)
		idx++
	}
	base += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, base, args...)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	defer rows.Close()

	items := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, wrapPersistence(err)
		}
		items = append(items, *m)
	}
	return items, wrapPersistence(rows.Err())
}

func (s *PostgresStore) InsertCall(ctx context.Context, session domain.CallSession) error {
	payload, _ := json.Marshal(session)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comms_calls(call_id, initiator_id, target_id, call_type, end_reason, duration_ms, session, created_at, ended_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET end_reason=EXCLUDED.end_reason, duration_ms=EXCLUDED.duration_ms, session=EXCLUDED.session, ended_at=EXCLUDED.ended_at
	`, session.ID, session.InitiatorID, session.TargetID, session.Type, session.EndReason, session.DurationMS, payload, session.CreatedAt, session.EndedAt)
	return wrapPersistence(err)
}

func (s *PostgresStore) ListCallsForUser(ctx context.Context, userID string, limit int) ([]domain.CallSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session
		FROM comms_calls
		WHERE initiator_id=$1 OR target_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, wrapPersistence(err)
	}
	defer rows.Close()

	items := make([]domain.CallSession, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapPersistence(err)
		}
		var session domain.CallSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, wrapPersistence(err)
		}
		items = append(items, session)
	}
	return items, wrapPersistence(rows.Err())
}

func wrapPersistence(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrMessageNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
}
