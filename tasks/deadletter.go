package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Letter is the record of one failed task.
type Letter struct {
	ID       string    `json:"id"`
	Task     string    `json:"task"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetter receives tasks that failed.
type DeadLetter interface {
	Record(ctx context.Context, letter Letter) error
}

// LogDeadLetter only logs failed tasks.
type LogDeadLetter struct {
	logger *slog.Logger
}

// NewLogDeadLetter returns a DeadLetter writing to logger.
func NewLogDeadLetter(logger *slog.Logger) *LogDeadLetter {
	return &LogDeadLetter{logger: logger}
}

// Record logs letter at error level.
func (d *LogDeadLetter) Record(_ context.Context, letter Letter) error {
	d.logger.Error("background task failed",
		"task", letter.Task,
		"error", letter.Error,
	)
	return nil
}

var letterPrefix = []byte("dead/")

// BadgerDeadLetter persists failed tasks in an embedded Badger database so
// they survive restarts and can be listed by operators.
type BadgerDeadLetter struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadgerDeadLetter opens (or creates) a store at dir. An empty dir opens
// an in-memory store.
func OpenBadgerDeadLetter(dir string, logger *slog.Logger) (*BadgerDeadLetter, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create dead letter directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	return &BadgerDeadLetter{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (d *BadgerDeadLetter) Close() error {
	return d.db.Close()
}

// Record logs and stores letter. Keys sort by failure time.
func (d *BadgerDeadLetter) Record(_ context.Context, letter Letter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}
	d.logger.Error("background task failed",
		"task", letter.Task,
		"error", letter.Error,
		"letter_id", letter.ID,
	)

	value, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal letter: %w", err)
	}
	key := letterKey(letter)
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func letterKey(l Letter) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", letterPrefix, l.FailedAt.UnixNano(), l.ID))
}

// List returns up to limit letters, oldest first. limit <= 0 returns all.
func (d *BadgerDeadLetter) List(_ context.Context, limit int) ([]Letter, error) {
	var letters []Letter
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(letterPrefix); it.ValidForPrefix(letterPrefix); it.Next() {
			if limit > 0 && len(letters) >= limit {
				return nil
			}
			err := it.Item().Value(func(v []byte) error {
				var l Letter
				if err := json.NewDecoder(bytes.NewReader(v)).Decode(&l); err != nil {
					return err
				}
				letters = append(letters, l)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode letter %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	return letters, err
}

// Delete removes a letter by id. It returns an error if no letter matches.
func (d *BadgerDeadLetter) Delete(_ context.Context, id string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: letterPrefix})
		defer it.Close()

		suffix := []byte("/" + id)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.HasSuffix(key, suffix) {
				return txn.Delete(key)
			}
		}
		return errors.New("letter not found")
	})
}

// badgerLogger adapts slog to Badger's logger. Badger's info chatter is
// demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
