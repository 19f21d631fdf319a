package internal

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/sqlite"
)

var columns = []string{
	"id", "kind", "suffix", "replica_id", "force", "certify", "origin", "state",
	"message", "confirmed", "pending", "started_at", "finished_at",
}

// Filter selects stored tasks. Zero fields match every task.
type Filter struct {
	Suffix string
	State  replication.TaskState
	Kind   replication.TaskKind
	Origin string
}

// Store persists CleanAllRUV and abort tasks so that interrupted tasks
// resume after a restart.
type Store struct {
	sqlStore *sqlite.SqlStore
}

func NewStore(sqlStore *sqlite.SqlStore) *Store {
	return &Store{sqlStore: sqlStore}
}

func values(t *replication.TaskStatus) []interface{} {
	return []interface{}{
		t.ID, t.Kind, replication.NormalizeDN(t.Suffix), t.ReplicaID, t.Force, t.Certify, t.Origin, t.State,
		t.Message, t.Confirmed, t.Pending, t.Started.UTC(), t.Finished.UTC(),
	}
}

func (s *Store) CreateTask(ctx context.Context, t replication.TaskStatus) error {
	q := sq.Insert("cleanallruv_tasks").
		Columns(columns...).
		Values(values(&t)...)

	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.sqlStore.DB.ExecContext(ctx, query, args...)
	return err
}

// UpdateTask stores the progress of a task.
func (s *Store) UpdateTask(ctx context.Context, t replication.TaskStatus) error {
	q := sq.Update("cleanallruv_tasks").
		SetMap(map[string]interface{}{
			"state":       t.State,
			"message":     t.Message,
			"confirmed":   t.Confirmed,
			"pending":     t.Pending,
			"finished_at": t.Finished.UTC(),
		}).
		Where(sq.Eq{"id": t.ID}).
		Suffix("RETURNING id")

	query, args, err := q.ToSql()
	if err != nil {
		return err
	}

	var id string
	if err := s.sqlStore.DB.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return replication.ErrTaskNotFound
		}
		return err
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*replication.TaskStatus, error) {
	q := sq.Select(columns...).
		From("cleanallruv_tasks").
		Where(sq.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var t replication.TaskStatus
	if err := s.sqlStore.DB.GetContext(ctx, &t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, replication.ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTasks returns the tasks matching f, oldest first.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]replication.TaskStatus, error) {
	q := sq.Select(columns...).From("cleanallruv_tasks").OrderBy("started_at", "id")
	if f.Suffix != "" {
		q = q.Where(sq.Eq{"suffix": replication.NormalizeDN(f.Suffix)})
	}
	if f.State != "" {
		q = q.Where(sq.Eq{"state": f.State})
	}
	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": f.Kind})
	}
	if f.Origin != "" {
		q = q.Where(sq.Eq{"origin": f.Origin})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var ts []replication.TaskStatus
	if err := s.sqlStore.DB.SelectContext(ctx, &ts, query, args...); err != nil {
		return nil, err
	}
	return ts, nil
}
