package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/chat-gateway/internal/db"
)

// Store is the Postgres-backed Backend.
type Store struct{ DB *db.DB }

var _ Backend = (*Store)(nil)

const messageColumns = `id, sender_id, receiver_id, content, status::text, created_at, updated_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var status string
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Pool.Ping(ctx)
}

func (s *Store) CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (Message, error) {
	row := s.DB.Pool.QueryRow(ctx, `
		INSERT INTO messages(sender_id, receiver_id, content, status)
		VALUES($1, $2, $3, 'sent')
		RETURNING `+messageColumns, senderID, receiverID, content)
	return scanMessage(row)
}

// AdvanceStatus locks the row, so the status it compares against is the one
// it overwrites and the message returned with changed=false is current.
func (s *Store) AdvanceStatus(ctx context.Context, id int64, to Status) (Message, bool, error) {
	if !to.Valid() {
		return Message{}, false, ErrInvalidTransition
	}
	var (
		out     Message
		changed bool
	)
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !current.Status.Advances(to) {
			out = current
			return nil
		}
		out, err = scanMessage(tx.QueryRow(ctx, `
			UPDATE messages SET status=$2::text::message_status, updated_at=clock_timestamp()
			WHERE id=$1
			RETURNING `+messageColumns, id, string(to)))
		changed = err == nil
		return err
	})
	if err != nil {
		return Message{}, false, err
	}
	return out, changed, nil
}

func (s *Store) PendingFor(ctx context.Context, receiverID int64) ([]Message, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE receiver_id=$1 AND status='sent'
		ORDER BY created_at, id
	`, receiverID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.DB.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// Conversation returns the latest `limit` messages exchanged between a and b,
// oldest first.
func (s *Store) Conversation(ctx context.Context, a, b int64, limit int) ([]Message, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) latest ORDER BY created_at, id
	`, a, b, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

const userColumns = `id, username, email, password_hash, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	u, err := scanUser(s.DB.Pool.QueryRow(ctx, `
		INSERT INTO users(username, email, password_hash) VALUES($1, $2, $3)
		RETURNING `+userColumns, username, email, passwordHash))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return User{}, ErrUserExists
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	return scanUser(s.DB.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.DB.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
