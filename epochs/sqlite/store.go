// Package sqlite provides an encrypted on-disk epoch secret store backed by
// SQLCipher. It satisfies epochs.Storage for hosts that want durable secret
// retention without writing their own backend.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"github.com/mossline/go-groupmls/clock"
	"github.com/mossline/go-groupmls/config"
	"go.uber.org/zap"
)

const driverName = "sqlite3_groupmls"

const schema = `
CREATE TABLE IF NOT EXISTS epoch_secrets (
	conversation_id TEXT NOT NULL,
	epoch INT8 NOT NULL,
	secret BLOB NOT NULL,
	created_at INT8 NOT NULL,
	PRIMARY KEY (conversation_id, epoch)
)`

// Store keeps epoch secrets in an encrypted sqlite database, one row per
// group and epoch.
type Store struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	conn  *sqlx.DB
}

func registerDriver() {
	for _, d := range sql.Drivers() {
		if d == driverName {
			return
		}
	}
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}

// NewStore opens (creating if needed) the database at path, keyed with the
// given 32-byte key.
func NewStore(c *config.Config, cl clock.Clock, path string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("expected key of length 32, got %d", len(key))
	}
	registerDriver()

	formattedPath := fmt.Sprintf("file:%s?_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(path), key)
	conn, err := sqlx.Open(driverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: error opening %s: %w", path, err)
	}
	conn.DB.SetMaxOpenConns(1)

	if _, err := conn.Exec("SELECT name FROM sqlite_master LIMIT 1"); err != nil {
		return nil, fmt.Errorf("sqlite: unable to read from database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite: error creating epoch_secrets table: %w", err)
	}

	return &Store{
		log:   c.Logger("epochs/sqlite"),
		clock: cl,
		conn:  conn,
	}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) StoreEpochSecret(conversationID string, epoch uint64, secret []byte) bool {
	_, err := s.conn.Exec(
		"INSERT OR REPLACE INTO epoch_secrets (conversation_id, epoch, secret, created_at) VALUES (?, ?, ?, ?)",
		conversationID, int64(epoch), secret, int64(s.clock.CurrentTimeMs()))
	if err != nil {
		s.log.Warnf("error storing epoch secret for %s epoch %d: %v", conversationID, epoch, err)
		return false
	}
	return true
}

func (s *Store) GetEpochSecret(conversationID string, epoch uint64) ([]byte, bool) {
	var secret []byte
	err := s.conn.Get(&secret,
		"SELECT secret FROM epoch_secrets WHERE conversation_id = ? AND epoch = ?",
		conversationID, int64(epoch))
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Warnf("error loading epoch secret for %s epoch %d: %v", conversationID, epoch, err)
		}
		return nil, false
	}
	return secret, true
}

func (s *Store) DeleteEpochSecret(conversationID string, epoch uint64) bool {
	res, err := s.conn.Exec(
		"DELETE FROM epoch_secrets WHERE conversation_id = ? AND epoch = ?",
		conversationID, int64(epoch))
	if err != nil {
		s.log.Warnf("error deleting epoch secret for %s epoch %d: %v", conversationID, epoch, err)
		return false
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false
	}
	return affected > 0
}
