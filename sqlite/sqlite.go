package sqlite

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultFilename     = "replication.sqlite"
	InmemPath           = ":memory:"
	migrationsTableName = "migrations"
)

// SqlStore holds the metadata database: replication agreements and
// cleanallruv task records. Writers serialize on Mu.
type SqlStore struct {
	Mu   sync.Mutex
	DB   *sqlx.DB
	log  *zap.Logger
	path string
}

func NewSqlStore(path string, log *zap.Logger) (*SqlStore, error) {
	s := &SqlStore{
		log:  log,
		path: path,
	}

	if err := s.openDB(); err != nil {
		return nil, err
	}

	return s, nil
}

// open the file at the specified path
func (s *SqlStore) openDB() error {
	db, err := sqlx.Open("sqlite3", s.path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return errors.Wrapf(err, "opening sqlite database %q", s.path)
	}
	s.log.Debug("opened sqlite connection", zap.String("path", s.path))

	// An in-memory database only lives as long as its single connection.
	if s.path == InmemPath {
		db.SetMaxOpenConns(1)
	}

	// If the database is not in-memory, set the journal mode to WAL so readers
	// never block the writer.
	if s.path != InmemPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return errors.Wrap(err, "setting journal mode")
		}
	}

	s.DB = db
	return nil
}

// Close the connection to the sqlite database
func (s *SqlStore) Close() error {
	if s.DB == nil {
		return nil
	}
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("closing sqlite database: %w", err)
	}
	return nil
}

// Path returns the location of the database file.
func (s *SqlStore) Path() string {
	return s.path
}

func (s *SqlStore) execTrans(ctx context.Context, stmt string) error {
	tx, err := s.DB.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *SqlStore) userVersion() (int, error) {
	stmt := `PRAGMA user_version`
	res, err := s.queryToStrings(stmt)
	if err != nil {
		return 0, err
	}

	val := 0
	if len(res) > 0 {
		if _, err := fmt.Sscanf(res[0], "%d", &val); err != nil {
			return 0, err
		}
	}

	return val, nil
}

func (s *SqlStore) tableNames() ([]string, error) {
	stmt := `SELECT name FROM sqlite_master WHERE type='table'`
	return s.queryToStrings(stmt)
}

// allMigrationNames returns the list of migration scripts recorded as applied, sorted by name. A nil slice is
// returned when the migrations table does not exist yet.
func (s *SqlStore) allMigrationNames() ([]string, error) {
	tables, err := s.tableNames()
	if err != nil {
		return nil, err
	}
	found := false
	for _, t := range tables {
		if strings.EqualFold(t, migrationsTableName) {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	return s.queryToStrings(fmt.Sprintf(`SELECT name FROM %s ORDER BY name`, migrationsTableName))
}

func (s *SqlStore) queryToStrings(stmt string) ([]string, error) {
	var output []string

	rows, err := s.DB.Query(stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var i string
		err = rows.Scan(&i)
		if err != nil {
			return nil, err
		}

		output = append(output, i)
	}

	return output, rows.Err()
}
