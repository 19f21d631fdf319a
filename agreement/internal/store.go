package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/dirsrv/replication"
	ierrors "github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/sqlite"
	"github.com/mattn/go-sqlite3"
)

var errAgreementExists = func(name string) error {
	return &ierrors.Error{
		Code: ierrors.EConflict,
		Msg:  fmt.Sprintf("agreement %q already exists", name),
	}
}

var columns = []string{
	"name", "suffix", "description", "host", "port", "transport_info", "bind_method", "bind_dn",
	"credentials", "schedule", "frac_list", "frac_list_total", "backoff_min", "backoff_max",
	"flow_control_window", "flow_control_pause", "enabled",
}

// Store persists agreement definitions in the metadata database.
type Store struct {
	sqlStore *sqlite.SqlStore
}

func NewStore(sqlStore *sqlite.SqlStore) *Store {
	return &Store{sqlStore: sqlStore}
}

func (s *Store) Lock() {
	s.sqlStore.Mu.Lock()
}

func (s *Store) Unlock() {
	s.sqlStore.Mu.Unlock()
}

func values(a *replication.Agreement) []interface{} {
	return []interface{}{
		a.Name, replication.NormalizeDN(a.Suffix), a.Description, a.Host, a.Port, a.TransportInfo, a.BindMethod, a.BindDN,
		a.Credentials, a.Schedule, a.FracList, a.FracListTotal, a.BackoffMin, a.BackoffMax,
		a.FlowControlWindow, a.FlowControlPause, a.Enabled,
	}
}

// ListAgreements returns the agreements of suffix, or of every suffix when
// suffix is empty, ordered by suffix and name.
func (s *Store) ListAgreements(ctx context.Context, suffix string) ([]replication.Agreement, error) {
	q := sq.Select(columns...).From("agreements").OrderBy("suffix", "name")
	if suffix != "" {
		q = q.Where(sq.Eq{"suffix": replication.NormalizeDN(suffix)})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var as []replication.Agreement
	if err := s.sqlStore.DB.SelectContext(ctx, &as, query, args...); err != nil {
		return nil, err
	}
	return as, nil
}

func (s *Store) CreateAgreement(ctx context.Context, a replication.Agreement) (*replication.Agreement, error) {
	q := sq.Insert("agreements").
		Columns(columns...).
		Values(values(&a)...).
		Suffix("RETURNING " + strings.Join(columns, ", "))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var created replication.Agreement
	if err := s.sqlStore.DB.GetContext(ctx, &created, query, args...); err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return nil, errAgreementExists(a.Name)
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetAgreement(ctx context.Context, suffix, name string) (*replication.Agreement, error) {
	q := sq.Select(columns...).
		From("agreements").
		Where(sq.Eq{"suffix": replication.NormalizeDN(suffix), "name": name})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var a replication.Agreement
	if err := s.sqlStore.DB.GetContext(ctx, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, replication.ErrAgreementNotFound
		}
		return nil, err
	}
	return &a, nil
}

// UpdateAgreement replaces every column of the stored agreement.
func (s *Store) UpdateAgreement(ctx context.Context, a replication.Agreement) (*replication.Agreement, error) {
	set := make(map[string]interface{}, len(columns))
	vals := values(&a)
	for i, c := range columns {
		set[c] = vals[i]
	}
	set["updated_at"] = sq.Expr("datetime('now')")

	q := sq.Update("agreements").
		SetMap(set).
		Where(sq.Eq{"suffix": replication.NormalizeDN(a.Suffix), "name": a.Name}).
		Suffix("RETURNING " + strings.Join(columns, ", "))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var updated replication.Agreement
	if err := s.sqlStore.DB.GetContext(ctx, &updated, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, replication.ErrAgreementNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteAgreement(ctx context.Context, suffix, name string) error {
	q := sq.Delete("agreements").
		Where(sq.Eq{"suffix": replication.NormalizeDN(suffix), "name": name}).
		Suffix("RETURNING name")

	query, args, err := q.ToSql()
	if err != nil {
		return err
	}

	var d string
	if err := s.sqlStore.DB.GetContext(ctx, &d, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return replication.ErrAgreementNotFound
		}
		return err
	}
	return nil
}
