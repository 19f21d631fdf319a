package sqlite

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type Migrator struct {
	store *SqlStore
	log   *zap.Logger
}

func NewMigrator(store *SqlStore, log *zap.Logger) *Migrator {
	return &Migrator{
		store: store,
		log:   log,
	}
}

// Up applies every script in source newer than the database's user_version. Scripts are named like
// "0002_migration_name.sql" and must set user_version to their own number.
func (m *Migrator) Up(ctx context.Context, source embed.FS) error {
	list, err := source.ReadDir(".")
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	// sort the list according to the version number to ensure the migrations are applied in the correct order
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	current, err := m.store.userVersion()
	if err != nil {
		return err
	}

	final, err := scriptVersion(list[len(list)-1].Name())
	if err != nil {
		return err
	}

	if final > current {
		m.log.Info("Bringing up metadata migrations", zap.Int("migration_count", final-current))
	}

	for _, f := range list {
		n := f.Name()
		v, err := scriptVersion(n)
		if err != nil {
			return err
		}

		// re-read user_version on every pass so that an out-of-order script list never applies an older
		// migration after a newer one.
		c, err := m.store.userVersion()
		if err != nil {
			return err
		}
		if v <= c {
			continue
		}

		m.log.Debug("Executing metadata migration", zap.String("migration_name", n))
		mBytes, err := source.ReadFile(n)
		if err != nil {
			return err
		}

		stmt := string(mBytes)
		if v == 1 || m.hasMigrationsTable() {
			stmt += fmt.Sprintf("\nINSERT INTO %s (name) VALUES ('%s');", migrationsTableName, strings.ReplaceAll(n, "'", "''"))
		}
		if err := m.store.execTrans(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
	}

	return nil
}

func (m *Migrator) hasMigrationsTable() bool {
	tables, err := m.store.tableNames()
	if err != nil {
		return false
	}
	for _, t := range tables {
		if t == migrationsTableName {
			return true
		}
	}
	return false
}

// extract the version number as an integer from a file named like "0002_migration_name.sql"
func scriptVersion(filename string) (int, error) {
	vString := strings.Split(filename, "_")[0]
	vInt, err := strconv.Atoi(vString)
	if err != nil {
		return 0, err
	}

	return vInt, nil
}
