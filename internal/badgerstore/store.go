// Package badgerstore is the embedded storage driver. It implements the same
// store interfaces as the Postgres driver on top of badger.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Cypherspark/chat-gateway/internal/core"
)

const maxConflictRetries = 8

// Store keeps messages and users in badger. Secondary keys carry a 19-digit
// padded timestamp so prefix scans come back in creation order.
type Store struct {
	db      *badger.DB
	msgSeq  *badger.Sequence
	userSeq *badger.Sequence
	now     func() time.Time
}

var _ core.Backend = (*Store)(nil)

// Open opens (or creates) a store at path. An empty path opens an in-memory
// store.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened badger database.
func New(db *badger.DB) (*Store, error) {
	msgSeq, err := db.GetSequence([]byte("seq:msg"), 128)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	userSeq, err := db.GetSequence([]byte("seq:user"), 32)
	if err != nil {
		_ = msgSeq.Release()
		return nil, fmt.Errorf("user sequence: %w", err)
	}
	return &Store{db: db, msgSeq: msgSeq, userSeq: userSeq, now: time.Now}, nil
}

// Close releases the id sequences and closes the database.
func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return errors.Join(s.msgSeq.Release(), s.userSeq.Release(), s.db.Close())
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

type messageRecord struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (r messageRecord) message() core.Message {
	return core.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		Status:     core.Status(r.Status),
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
	}
}

type userRecord struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    int64  `json:"created_at"`
}

func (r userRecord) user() core.User {
	return core.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
	}
}

func msgKey(id int64) []byte { return []byte(fmt.Sprintf("msg:%019d", id)) }

func pendingPrefix(receiverID int64) []byte {
	return []byte(fmt.Sprintf("pending:%d:", receiverID))
}

func pendingKey(r messageRecord) []byte {
	return append(pendingPrefix(r.ReceiverID), fmt.Sprintf("%019d:%019d", r.CreatedAt, r.ID)...)
}

func convPrefix(a, b int64) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(fmt.Sprintf("conv:%d:%d:", a, b))
}

func convKey(r messageRecord) []byte {
	return append(convPrefix(r.SenderID, r.ReceiverID), fmt.Sprintf("%019d:%019d", r.CreatedAt, r.ID)...)
}

func userKey(id int64) []byte         { return []byte(fmt.Sprintf("user:%019d", id)) }
func userEmailKey(email string) []byte { return []byte("user-email:" + email) }
func userNameKey(name string) []byte   { return []byte("user-name:" + name) }

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		if err = s.db.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *Store) nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	// sequences start at 0; ids start at 1
	return int64(n) + 1, nil
}

func (s *Store) CreateMessage(_ context.Context, senderID, receiverID int64, content string) (core.Message, error) {
	id, err := s.nextID(s.msgSeq)
	if err != nil {
		return core.Message{}, fmt.Errorf("next message id: %w", err)
	}
	now := s.now().UTC().UnixNano()
	rec := messageRecord{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     string(core.StatusSent),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, msgKey(id), rec); err != nil {
			return err
		}
		if err := txn.Set(pendingKey(rec), nil); err != nil {
			return err
		}
		return txn.Set(convKey(rec), nil)
	})
	if err != nil {
		return core.Message{}, err
	}
	return rec.message(), nil
}

func (s *Store) AdvanceStatus(_ context.Context, id int64, to core.Status) (core.Message, bool, error) {
	if !to.Valid() {
		return core.Message{}, false, core.ErrInvalidTransition
	}
	var rec messageRecord
	var changed bool
	err := s.update(func(txn *badger.Txn) error {
		changed = false
		if err := getJSON(txn, msgKey(id), &rec); err != nil {
			return err
		}
		from := core.Status(rec.Status)
		if !from.Advances(to) {
			return nil
		}
		if from == core.StatusSent {
			if err := txn.Delete(pendingKey(rec)); err != nil {
				return err
			}
		}
		rec.Status = string(to)
		rec.UpdatedAt = s.now().UTC().UnixNano()
		changed = true
		return setJSON(txn, msgKey(id), rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.Message{}, false, core.ErrNotFound
	}
	if err != nil {
		return core.Message{}, false, err
	}
	return rec.message(), changed, nil
}

// collect loads the message records referenced by index keys under prefix.
// The message id is the last 19 digits of every index key.
func collect(txn *badger.Txn, prefix []byte, reverse bool, limit int) ([]core.Message, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(bytes.Clone(prefix), 0xff)
	}
	var out []core.Message
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && len(out) == limit {
			break
		}
		key := it.Item().Key()
		id, err := strconv.ParseInt(string(key[len(key)-19:]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index key %q: %w", key, err)
		}
		var rec messageRecord
		if err := getJSON(txn, msgKey(id), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec.message())
	}
	return out, nil
}

func (s *Store) PendingFor(_ context.Context, receiverID int64) ([]core.Message, error) {
	var out []core.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = collect(txn, pendingPrefix(receiverID), false, 0)
		return err
	})
	return out, err
}

func (s *Store) GetMessage(_ context.Context, id int64) (core.Message, error) {
	var rec messageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, msgKey(id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.Message{}, core.ErrNotFound
	}
	if err != nil {
		return core.Message{}, err
	}
	return rec.message(), nil
}

// Conversation walks the pair index newest first and returns the latest
// `limit` messages oldest first.
func (s *Store) Conversation(_ context.Context, a, b int64, limit int) ([]core.Message, error) {
	var out []core.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = collect(txn, convPrefix(a, b), true, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, username, email, passwordHash string) (core.User, error) {
	id, err := s.nextID(s.userSeq)
	if err != nil {
		return core.User{}, fmt.Errorf("next user id: %w", err)
	}
	rec := userRecord{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC().UnixNano(),
	}
	idBytes := []byte(strconv.FormatInt(id, 10))
	err = s.update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{userEmailKey(email), userNameKey(username)} {
			if _, err := txn.Get(k); err == nil {
				return core.ErrUserExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := setJSON(txn, userKey(id), rec); err != nil {
			return err
		}
		if err := txn.Set(userEmailKey(email), idBytes); err != nil {
			return err
		}
		return txn.Set(userNameKey(username), idBytes)
	})
	if err != nil {
		return core.User{}, err
	}
	return rec.user(), nil
}

func (s *Store) GetUser(_ context.Context, id int64) (core.User, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, err
	}
	return rec.user(), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (core.User, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userEmailKey(email))
		if err != nil {
			return err
		}
		var id int64
		err = item.Value(func(val []byte) error {
			id, err = strconv.ParseInt(string(val), 10, 64)
			return err
		})
		if err != nil {
			return err
		}
		return getJSON(txn, userKey(id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, err
	}
	return rec.user(), nil
}

func (s *Store) ListUsers(context.Context) ([]core.User, error) {
	var out []core.User
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec userRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec.user())
		}
		return nil
	})
	return out, err
}
