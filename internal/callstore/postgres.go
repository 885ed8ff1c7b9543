package callstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

// PostgresStore implements Store on PostgreSQL. Candidate appends use
// array_append inside a single UPDATE so concurrent appenders never
// read-modify-write.
type PostgresStore struct {
	db     *sqlx.DB
	logger calllog.Logger
}

// NewPostgresStore connects, configures the pool, and ensures the schema.
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: calllog.L().Named("callstore"),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id UUID PRIMARY KEY,
		caller_id UUID NOT NULL,
		callee_id UUID NOT NULL,
		chat_id UUID NOT NULL,
		call_type VARCHAR(10) NOT NULL CHECK (call_type IN ('voice', 'video')),
		status VARCHAR(10) NOT NULL CHECK (status IN ('pending', 'ringing', 'active', 'ended', 'rejected')),
		is_group_call BOOLEAN NOT NULL DEFAULT FALSE,
		max_participants INTEGER NOT NULL DEFAULT 8,

		offer TEXT,
		answer TEXT,
		ice_candidates TEXT[] NOT NULL DEFAULT '{}',

		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_calls_chat_id ON calls(chat_id);
	CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status);
	CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at DESC);

	CREATE TABLE IF NOT EXISTS call_participants (
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		status VARCHAR(12) NOT NULL CHECK (status IN ('pending', 'ringing', 'connecting', 'active', 'left')),
		is_muted BOOLEAN NOT NULL DEFAULT FALSE,
		is_video_off BOOLEAN NOT NULL DEFAULT FALSE,
		is_screen_sharing BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at TIMESTAMPTZ,
		left_at TIMESTAMPTZ,

		PRIMARY KEY (call_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_participants_user ON call_participants(user_id);

	CREATE TABLE IF NOT EXISTS peer_connections (
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		from_user_id UUID NOT NULL,
		to_user_id UUID NOT NULL,
		offer TEXT,
		answer TEXT,
		ice_candidates TEXT[] NOT NULL DEFAULT '{}',
		connection_state VARCHAR(16) NOT NULL DEFAULT 'new',

		PRIMARY KEY (call_id, from_user_id, to_user_id)
	);

	CREATE TABLE IF NOT EXISTS call_quality_samples (
		id BIGSERIAL PRIMARY KEY,
		call_id UUID NOT NULL,
		user_id UUID NOT NULL,
		sampled_at TIMESTAMPTZ NOT NULL,
		latency_ms DOUBLE PRECISION NOT NULL,
		jitter_ms DOUBLE PRECISION NOT NULL,
		packet_loss_pct DOUBLE PRECISION NOT NULL,
		audio_kbps DOUBLE PRECISION NOT NULL,
		video_kbps DOUBLE PRECISION NOT NULL,
		level VARCHAR(10) NOT NULL,
		path_type VARCHAR(16) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quality_samples_call ON call_quality_samples(call_id, sampled_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateCall inserts a new call row.
func (s *PostgresStore) CreateCall(ctx context.Context, c *Call) error {
	query := `
		INSERT INTO calls (
			id, caller_id, callee_id, chat_id, call_type, status,
			is_group_call, max_participants, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CallerID, c.CalleeID, c.ChatID, c.CallType, c.Status,
		c.IsGroupCall, c.MaxParticipants, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}

	s.logger.Info("call created",
		calllog.String("call_id", c.ID),
		calllog.String("type", string(c.CallType)),
		calllog.Bool("group", c.IsGroupCall))
	return nil
}

// GetCall fetches one call row.
func (s *PostgresStore) GetCall(ctx context.Context, id string) (*Call, error) {
	var c Call
	err := s.db.GetContext(ctx, &c, `
		SELECT id, caller_id, callee_id, chat_id, call_type, status,
		       is_group_call, max_participants, offer, answer, ice_candidates,
		       created_at, started_at, ended_at
		FROM calls WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return &c, nil
}

// SetOffer writes the caller's offer once and moves the call to ringing.
func (s *PostgresStore) SetOffer(ctx context.Context, callID, offer string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET offer = $2, status = $3
		WHERE id = $1 AND offer IS NULL
		  AND status NOT IN ('ended', 'rejected')
	`, callID, offer, CallRinging)
	if err != nil {
		return fmt.Errorf("set offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainCallWriteFailure(ctx, callID, func(c *Call) error {
			if c.Offer.Valid {
				return ErrOfferAlreadySet
			}
			return nil
		})
	}
	return nil
}

// SetAnswer writes the callee's answer at most once, after an offer exists,
// and promotes the call to active.
func (s *PostgresStore) SetAnswer(ctx context.Context, callID, answer string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET answer = $2, status = $3, started_at = $4
		WHERE id = $1 AND answer IS NULL AND offer IS NOT NULL
		  AND status NOT IN ('ended', 'rejected')
	`, callID, answer, CallActive, startedAt)
	if err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainCallWriteFailure(ctx, callID, func(c *Call) error {
			if c.Answer.Valid {
				return ErrAnswerAlreadySet
			}
			if !c.Offer.Valid {
				return ErrNoOffer
			}
			return nil
		})
	}
	return nil
}

// SetStatus writes a lifecycle transition. Terminal target statuses stamp
// ended_at; a first transition to active stamps started_at.
func (s *PostgresStore) SetStatus(ctx context.Context, callID string, status CallStatus, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch {
	case status.Terminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE calls SET status = $2, ended_at = $3
			WHERE id = $1 AND status NOT IN ('ended', 'rejected')
		`, callID, status, at)
	case status == CallActive:
		res, err = s.db.ExecContext(ctx, `
			UPDATE calls SET status = $2, started_at = COALESCE(started_at, $3)
			WHERE id = $1 AND status NOT IN ('ended', 'rejected')
		`, callID, status, at)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE calls SET status = $2
			WHERE id = $1 AND status NOT IN ('ended', 'rejected')
		`, callID, status)
	}
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainCallWriteFailure(ctx, callID, nil)
	}
	return nil
}

// AppendCandidate appends one serialized ICE candidate server-side.
func (s *PostgresStore) AppendCandidate(ctx context.Context, callID, candidate string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET ice_candidates = array_append(ice_candidates, $2)
		WHERE id = $1 AND status NOT IN ('ended', 'rejected')
	`, callID, candidate)
	if err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainCallWriteFailure(ctx, callID, nil)
	}
	return nil
}

// explainCallWriteFailure re-reads the row to turn a zero-row update into
// the precise sentinel error.
func (s *PostgresStore) explainCallWriteFailure(ctx context.Context, callID string, classify func(*Call) error) error {
	c, err := s.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	if classify != nil {
		if cerr := classify(c); cerr != nil {
			return cerr
		}
	}
	return fmt.Errorf("call %s: write matched no rows", callID)
}

// UpsertParticipant creates or refreshes a participant row.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_participants (
			call_id, user_id, status, is_muted, is_video_off,
			is_screen_sharing, joined_at, left_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_id, user_id) DO UPDATE SET
			status = EXCLUDED.status,
			is_muted = EXCLUDED.is_muted,
			is_video_off = EXCLUDED.is_video_off,
			is_screen_sharing = EXCLUDED.is_screen_sharing,
			joined_at = COALESCE(call_participants.joined_at, EXCLUDED.joined_at),
			left_at = EXCLUDED.left_at
	`, p.CallID, p.UserID, p.Status, p.IsMuted, p.IsVideoOff,
		p.IsScreenSharing, p.JoinedAt, p.LeftAt)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// SetParticipantStatus transitions one participant. Moving to active stamps
// joined_at, moving to left stamps left_at.
func (s *PostgresStore) SetParticipantStatus(ctx context.Context, callID, userID string, status ParticipantStatus, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	switch status {
	case ParticipantActive:
		res, err = s.db.ExecContext(ctx, `
			UPDATE call_participants
			SET status = $3, joined_at = COALESCE(joined_at, $4)
			WHERE call_id = $1 AND user_id = $2
		`, callID, userID, status, at)
	case ParticipantLeft:
		res, err = s.db.ExecContext(ctx, `
			UPDATE call_participants SET status = $3, left_at = $4
			WHERE call_id = $1 AND user_id = $2
		`, callID, userID, status, at)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE call_participants SET status = $3
			WHERE call_id = $1 AND user_id = $2
		`, callID, userID, status)
	}
	if err != nil {
		return fmt.Errorf("set participant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PatchParticipantFlags updates only the provided media flags.
func (s *PostgresStore) PatchParticipantFlags(ctx context.Context, callID, userID string, patch ParticipantFlagPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_participants SET
			is_muted = COALESCE($3, is_muted),
			is_video_off = COALESCE($4, is_video_off),
			is_screen_sharing = COALESCE($5, is_screen_sharing)
		WHERE call_id = $1 AND user_id = $2
	`, callID, userID, patch.Muted, patch.VideoOff, patch.ScreenSharing)
	if err != nil {
		return fmt.Errorf("patch participant flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Participants lists every participant row for a call.
func (s *PostgresStore) Participants(ctx context.Context, callID string) ([]Participant, error) {
	var out []Participant
	err := s.db.SelectContext(ctx, &out, `
		SELECT call_id, user_id, status, is_muted, is_video_off,
		       is_screen_sharing, joined_at, left_at
		FROM call_participants WHERE call_id = $1
		ORDER BY user_id
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

// ActiveParticipantCount counts non-left participant rows.
func (s *PostgresStore) ActiveParticipantCount(ctx context.Context, callID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM call_participants
		WHERE call_id = $1 AND status NOT IN ('left')
	`, callID)
	if err != nil {
		return 0, fmt.Errorf("count active participants: %w", err)
	}
	return n, nil
}

// UpsertPeerConnection writes a pair record, superseding prior negotiation
// state: the answer clears, candidates reset, state returns to new.
func (s *PostgresStore) UpsertPeerConnection(ctx context.Context, rec *PeerConnectionRecord) error {
	state := rec.ConnectionState
	if state == "" {
		state = "new"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_connections (
			call_id, from_user_id, to_user_id, offer, answer,
			ice_candidates, connection_state
		) VALUES ($1, $2, $3, $4, NULL, '{}', $5)
		ON CONFLICT (call_id, from_user_id, to_user_id) DO UPDATE SET
			offer = EXCLUDED.offer,
			answer = NULL,
			ice_candidates = '{}',
			connection_state = EXCLUDED.connection_state
	`, rec.CallID, rec.FromUserID, rec.ToUserID, rec.Offer, state)
	if err != nil {
		return fmt.Errorf("upsert peer connection: %w", err)
	}
	return nil
}

// PeerConnection fetches one directed pair record.
func (s *PostgresStore) PeerConnection(ctx context.Context, callID, fromID, toID string) (*PeerConnectionRecord, error) {
	var rec PeerConnectionRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT call_id, from_user_id, to_user_id, offer, answer,
		       ice_candidates, connection_state
		FROM peer_connections
		WHERE call_id = $1 AND from_user_id = $2 AND to_user_id = $3
	`, callID, fromID, toID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer connection: %w", err)
	}
	return &rec, nil
}

// SetPeerAnswer writes the pair answer at most once.
func (s *PostgresStore) SetPeerAnswer(ctx context.Context, callID, fromID, toID, answer string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peer_connections SET answer = $4
		WHERE call_id = $1 AND from_user_id = $2 AND to_user_id = $3
		  AND answer IS NULL AND offer IS NOT NULL
	`, callID, fromID, toID, answer)
	if err != nil {
		return fmt.Errorf("set peer answer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, gerr := s.PeerConnection(ctx, callID, fromID, toID)
		if gerr != nil {
			return gerr
		}
		if rec.Answer.Valid {
			return ErrAnswerAlreadySet
		}
		return ErrNoOffer
	}
	return nil
}

// AppendPeerCandidate appends one candidate to a pair record server-side.
func (s *PostgresStore) AppendPeerCandidate(ctx context.Context, callID, fromID, toID, candidate string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peer_connections
		SET ice_candidates = array_append(ice_candidates, $4)
		WHERE call_id = $1 AND from_user_id = $2 AND to_user_id = $3
	`, callID, fromID, toID, candidate)
	if err != nil {
		return fmt.Errorf("append peer candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPeerConnectionState records the observed transport state for a pair.
func (s *PostgresStore) SetPeerConnectionState(ctx context.Context, callID, fromID, toID, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peer_connections SET connection_state = $4
		WHERE call_id = $1 AND from_user_id = $2 AND to_user_id = $3
	`, callID, fromID, toID, state)
	if err != nil {
		return fmt.Errorf("set peer connection state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveQualitySample persists one quality monitor report.
func (s *PostgresStore) SaveQualitySample(ctx context.Context, q *QualitySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_quality_samples (
			call_id, user_id, sampled_at, latency_ms, jitter_ms,
			packet_loss_pct, audio_kbps, video_kbps, level, path_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, q.CallID, q.UserID, q.SampledAt, q.LatencyMs, q.JitterMs,
		q.PacketLossPct, q.AudioKbps, q.VideoKbps, q.Level, q.PathType)
	if err != nil {
		return fmt.Errorf("save quality sample: %w", err)
	}
	return nil
}

// DB exposes the underlying pool so sibling stores (directory, push
// tokens) can share one connection set.
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
