package incarnation

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
)

// Store keeps the incarnation number of a node on disk, so that the node does
// not start over from zero after a restart. The stored value never decreases.
type Store struct {
	db  *badger.DB
	key []byte
}

var _ faildetector.IncarnationStore = (*Store)(nil)

// Open opens the store in the given directory. An empty path opens an
// in-memory store, which is only useful for tests.
func Open(path string, id membership.NodeID, logger log.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{logger: logger}).
		WithNumVersionsToKeep(1)

	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		db:  db,
		key: []byte(fmt.Sprintf("incarnation/%d", id)),
	}, nil
}

// Load returns the stored incarnation, or zero if nothing has been stored yet.
func (s *Store) Load() (uint64, error) {
	var inc uint64

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		inc, err = s.get(txn)

		return err
	})

	if err != nil {
		return 0, err
	}

	return inc, nil
}

func (s *Store) get(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(s.key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}

		return 0, err
	}

	var inc uint64

	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupted incarnation value of %d bytes", len(val))
		}

		inc = binary.BigEndian.Uint64(val)

		return nil
	})

	return inc, err
}

// Save stores the incarnation, unless a higher one is already stored.
func (s *Store) Save(inc uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := s.get(txn)
		if err != nil {
			return err
		}

		if stored >= inc {
			return nil
		}

		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, inc)

		return txn.SetEntry(badger.NewEntry(s.key, val))
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger logs to the application logger.
type badgerLogger struct {
	logger log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	level.Warn(l.logger).Log("msg", fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprintf(format, args...), "component", "badger")
}
