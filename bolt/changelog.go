package bolt

import (
	"context"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/bolt/internal"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/csn"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	stateKey      = []byte("state")
)

var _ changelog.Store = (*ChangelogStore)(nil)

// ChangelogStore persists the changelog of one suffix. Entries are keyed by
// the big-endian form of their CSN so a cursor walks them in CSN order.
type ChangelogStore struct {
	client *Client
	suffix []byte
}

// ChangelogStore returns the store for suffix, creating its buckets.
func (c *Client) ChangelogStore(suffix string) (*ChangelogStore, error) {
	key := []byte(replication.NormalizeDN(suffix))
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(changelogBucket).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating changelog bucket for %q", suffix)
	}
	return &ChangelogStore{client: c, suffix: key}, nil
}

func (s *ChangelogStore) bucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(changelogBucket).Bucket(s.suffix)
}

func putState(b *bolt.Bucket, st *changelog.State) error {
	v, err := internal.MarshalRecord(st)
	if err != nil {
		return errors.Wrap(err, "encoding changelog state")
	}
	return b.Put(stateKey, v)
}

func (s *ChangelogStore) Load(ctx context.Context, fn func(*replication.ChangelogEntry) error) (*changelog.State, error) {
	var st *changelog.State
	err := s.client.db.View(func(tx *bolt.Tx) error {
		b := s.bucket(tx)
		if v := b.Get(stateKey); v != nil {
			st = &changelog.State{}
			if err := internal.UnmarshalRecord(v, st); err != nil {
				return errors.Wrap(err, "decoding changelog state")
			}
		}

		cur := b.Bucket(entriesBucket).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e replication.ChangelogEntry
			if err := internal.UnmarshalRecord(v, &e); err != nil {
				c, _ := csn.FromBytes(k)
				return errors.Wrapf(err, "decoding changelog entry %s", c)
			}
			if err := fn(&e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *ChangelogStore) Append(ctx context.Context, e *replication.ChangelogEntry, st *changelog.State) error {
	v, err := internal.MarshalRecord(e)
	if err != nil {
		return errors.Wrapf(err, "encoding changelog entry %s", e.CSN)
	}
	return s.client.db.Update(func(tx *bolt.Tx) error {
		b := s.bucket(tx)
		if err := b.Bucket(entriesBucket).Put(e.CSN.Bytes(), v); err != nil {
			return err
		}
		return putState(b, st)
	})
}

func (s *ChangelogStore) Delete(ctx context.Context, csns []csn.CSN, st *changelog.State) error {
	return s.client.db.Update(func(tx *bolt.Tx) error {
		b := s.bucket(tx)
		entries := b.Bucket(entriesBucket)
		for _, c := range csns {
			if err := entries.Delete(c.Bytes()); err != nil {
				return err
			}
		}
		return putState(b, st)
	})
}

func (s *ChangelogStore) SaveState(ctx context.Context, st *changelog.State) error {
	return s.client.db.Update(func(tx *bolt.Tx) error {
		return putState(s.bucket(tx), st)
	})
}

func (s *ChangelogStore) Reset(ctx context.Context, st *changelog.State) error {
	return s.client.db.Update(func(tx *bolt.Tx) error {
		b := s.bucket(tx)
		if err := b.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		if _, err := b.CreateBucket(entriesBucket); err != nil {
			return err
		}
		return putState(b, st)
	})
}

// Len returns the number of stored entries.
func (s *ChangelogStore) Len() int {
	var n int
	_ = s.client.db.View(func(tx *bolt.Tx) error {
		n = s.bucket(tx).Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return n
}
