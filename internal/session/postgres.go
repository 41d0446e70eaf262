package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Conditional updates inside the
// transactional primitives are the serialization points required by the
// engines.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore                 { return &pgUsers{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore           { return &pgSessions{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &pgTokens{db: s.db} }
func (s *PGStore) Revocations(context.Context) RevocationStore     { return &pgRevocations{db: s.db} }

// Rotate marks the old token rotated (only while still unrotated, unrevoked,
// and not soft-deleted), inserts the successor, and touches the session, all
// in one transaction. Zero rows on the conditional update means a concurrent
// rotation won.
func (s *PGStore) Rotate(ctx context.Context, oldID string, successor *RefreshToken, touch SessionTouch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set rotated_at=$2
		 where id=$1 and rotated_at is null and revoked_at is null and deleted_at is null`,
		oldID, touch.At,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRotationConflict
	}

	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(id, session_id, parent_id, token, token_hash, issued_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		successor.ID, successor.SessionID, successor.ParentID,
		successor.Token, successor.TokenHash, successor.IssuedAt, successor.ExpiresAt,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`update sessions set updated_at=$2,
		        ip=coalesce(nullif($3,''), ip),
		        user_agent=coalesce(nullif($4,''), user_agent)
		 where id=$1`,
		touch.SessionID, touch.At, touch.IP, touch.UserAgent,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeSession performs the multi-row revocation atomically. The partial
// unique index on session_revocations(session_id) makes the insert race-safe;
// the loser of a concurrent revoke reads the winner's row back.
func (s *PGStore) RevokeSession(ctx context.Context, sessionID string, rev *SessionRevocation) (*SessionRevocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`select true from sessions where id=$1 and deleted_at is null`, sessionID,
	).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`update sessions set revoked_at=$2, revoked_reason=$3
		 where id=$1 and revoked_at is null and deleted_at is null`,
		sessionID, rev.RevokedAt, rev.Reason,
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n > 0 {
		if _, err := tx.ExecContext(ctx,
			`update refresh_tokens set revoked_at=$2, revoked_reason=$3
			 where session_id=$1 and rotated_at is null and revoked_at is null and deleted_at is null`,
			sessionID, rev.RevokedAt, rev.Reason,
		); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`insert into session_revocations(id, session_id, revoked_at, revoked_by, reason)
			 values($1,$2,$3,$4,$5)
			 on conflict (session_id) where deleted_at is null do nothing`,
			rev.ID, sessionID, rev.RevokedAt, rev.RevokedBy, rev.Reason,
		); err != nil {
			return nil, err
		}
	}

	row := tx.QueryRowContext(ctx,
		`select id, session_id, revoked_at, revoked_by, reason
		 from session_revocations where session_id=$1 and deleted_at is null`,
		sessionID,
	)
	var out SessionRevocation
	if err := row.Scan(&out.ID, &out.SessionID, &out.RevokedAt, &out.RevokedBy, &out.Reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

// User store ---------------------------------------------------------------

type pgUsers struct{ db *sql.DB }

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role, status) values($1,$2,$3,$4,$5)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.Status,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, status, created_at, updated_at from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, status, created_at, updated_at from users where email=$1`, email)
	return scanUser(row)
}

func (s *pgUsers) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Session store ------------------------------------------------------------

type pgSessions struct{ db *sql.DB }

const sessionColumns = `id, user_id, token, issued_at, expires_at,
	coalesce(ip,''), coalesce(user_agent,''), revoked_at, coalesce(revoked_reason,''), updated_at, deleted_at`

func (s *pgSessions) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, token, issued_at, expires_at, ip, user_agent, updated_at)
		 values($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),$8)`,
		sess.ID, sess.UserID, sess.Token, sess.IssuedAt, sess.ExpiresAt,
		sess.IP, sess.UserAgent, sess.UpdatedAt,
	)
	return err
}

func (s *pgSessions) Find(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1 and deleted_at is null`, id)
	return scanSession(row)
}

func (s *pgSessions) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions
		 where user_id=$1 and deleted_at is null order by issued_at asc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *pgSessions) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions
		 where user_id=$1 and revoked_at is null and deleted_at is null and expires_at > $2
		 order by issued_at asc`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.IssuedAt, &sess.ExpiresAt,
		&sess.IP, &sess.UserAgent, &sess.RevokedAt, &sess.RevokedReason, &sess.UpdatedAt, &sess.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.IssuedAt, &sess.ExpiresAt,
			&sess.IP, &sess.UserAgent, &sess.RevokedAt, &sess.RevokedReason, &sess.UpdatedAt, &sess.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Refresh token store ------------------------------------------------------

type pgTokens struct{ db *sql.DB }

const tokenColumns = `id, session_id, parent_id, token, token_hash, issued_at, expires_at,
	rotated_at, revoked_at, coalesce(revoked_reason,''), deleted_at`

func (s *pgTokens) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, session_id, parent_id, token, token_hash, issued_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		tok.ID, tok.SessionID, tok.ParentID, tok.Token, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt,
	)
	return err
}

func (s *pgTokens) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens where id=$1 and deleted_at is null`, id)
	return scanToken(row)
}

func (s *pgTokens) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens where token_hash=$1 and deleted_at is null`, hash)
	return scanToken(row)
}

func (s *pgTokens) ListBySession(ctx context.Context, sessionID string) ([]*RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+tokenColumns+` from refresh_tokens
		 where session_id=$1 and deleted_at is null order by issued_at asc`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RefreshToken
	for rows.Next() {
		var tok RefreshToken
		if err := rows.Scan(&tok.ID, &tok.SessionID, &tok.ParentID, &tok.Token, &tok.TokenHash,
			&tok.IssuedAt, &tok.ExpiresAt, &tok.RotatedAt, &tok.RevokedAt, &tok.RevokedReason, &tok.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, &tok)
	}
	return out, rows.Err()
}

func scanToken(row *sql.Row) (*RefreshToken, error) {
	var tok RefreshToken
	if err := row.Scan(&tok.ID, &tok.SessionID, &tok.ParentID, &tok.Token, &tok.TokenHash,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.RotatedAt, &tok.RevokedAt, &tok.RevokedReason, &tok.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

// Revocation store ---------------------------------------------------------

type pgRevocations struct{ db *sql.DB }

func (s *pgRevocations) FindBySession(ctx context.Context, sessionID string) (*SessionRevocation, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, session_id, revoked_at, revoked_by, reason
		 from session_revocations where session_id=$1 and deleted_at is null`, sessionID)
	var rev SessionRevocation
	if err := row.Scan(&rev.ID, &rev.SessionID, &rev.RevokedAt, &rev.RevokedBy, &rev.Reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rev, nil
}
