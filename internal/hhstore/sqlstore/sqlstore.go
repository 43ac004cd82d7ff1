// Package sqlstore is a hhstore.Store backed by database/sql, grounded on
// the teacher's embedded/server dual-mode Dolt storage layer. It targets
// either an embedded Dolt database (github.com/dolthub/driver) or a
// MySQL-compatible server (github.com/go-sql-driver/mysql), selected by
// DSN scheme, giving the hint table the same versioned-storage option the
// teacher's issue store gets from Dolt.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/dolthub/driver" // registers the "dolt" database/sql driver
	_ "github.com/go-sql-driver/mysql" // registers the "mysql" database/sql driver
	"github.com/google/uuid"

	"bolt-hhm.dev/hhm/internal/hhstore"
	"bolt-hhm.dev/hhm/internal/hhtypes"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS hints (
	target_id        VARCHAR(36) NOT NULL,
	hint_id          VARCHAR(36) NOT NULL,
	message_version  INT NOT NULL,
	mutation         LONGBLOB NOT NULL,
	write_time_micros BIGINT NOT NULL,
	expires_at_micros BIGINT NOT NULL,
	PRIMARY KEY (target_id, hint_id, message_version)
);
`

// openBackoff bounds retries when the embedded driver's database is
// momentarily locked by another process holding the access file lock.
func openBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// Store is a database/sql-backed hhstore.Store.
type Store struct {
	db *sql.DB
}

// Open opens a Store against dsn. An embedded Dolt DSN has the
// "file://" scheme (github.com/dolthub/driver, driver name "dolt"); any
// other DSN is treated as a MySQL-protocol DSN for
// github.com/go-sql-driver/mysql.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driverName := "mysql"
	if strings.HasPrefix(dsn, "file://") {
		driverName = "dolt"
	}

	var db *sql.DB
	openOnce := func() error {
		var err error
		db, err = sql.Open(driverName, dsn)
		if err != nil {
			return err
		}
		return db.PingContext(ctx)
	}

	if err := backoff.Retry(openOnce, openBackoff()); err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error — the same per-operation transaction wrapper shape
// the teacher's SQLite storage layer uses for every mutating call.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Insert(ctx context.Context, targetID uuid.UUID, messageVersion int, mutation []byte, ttl time.Duration) (uuid.UUID, error) {
	if ttl <= 0 {
		return uuid.Nil, hhstore.ErrValidation
	}

	hintID, err := hhtypes.NewHintID()
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hints (target_id, hint_id, message_version, mutation, write_time_micros, expires_at_micros)
			VALUES (?, ?, ?, ?, ?, ?)`,
			targetID.String(), hintID.String(), messageVersion, mutation,
			now.UnixMicro(), now.Add(ttl).UnixMicro(),
		)
		return wrapStoreErr("insert", err)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return hintID, nil
}

func (s *Store) Scan(ctx context.Context, targetID uuid.UUID, pageSize int, cursor *uuid.UUID) (hhstore.Page, error) {
	if pageSize < 2 {
		return hhstore.Page{}, hhstore.ErrValidation
	}

	cursorStr := ""
	if cursor != nil {
		cursorStr = cursor.String()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT hint_id, message_version, mutation, write_time_micros, expires_at_micros
		FROM hints
		WHERE target_id = ? AND hint_id > ?
		ORDER BY hint_id ASC
		LIMIT ?`,
		targetID.String(), cursorStr, pageSize+1,
	)
	if err != nil {
		return hhstore.Page{}, wrapStoreErr("scan", err)
	}
	defer rows.Close()

	var page hhstore.Page
	for rows.Next() {
		var hintIDStr string
		var messageVersion int
		var mutation []byte
		var writeTime, expiresAt int64
		if err := rows.Scan(&hintIDStr, &messageVersion, &mutation, &writeTime, &expiresAt); err != nil {
			return hhstore.Page{}, wrapStoreErr("scan row", err)
		}
		hintID, err := uuid.Parse(hintIDStr)
		if err != nil {
			return hhstore.Page{}, wrapStoreErr("parse hint_id", err)
		}
		if len(page.Rows) == pageSize {
			next := page.Rows[pageSize-1].Key.HintID
			page.NextCursor = &next
			break
		}
		page.Rows = append(page.Rows, hhtypes.HintRow{
			Key: hhtypes.HintKey{
				TargetID:       targetID,
				HintID:         hintID,
				MessageVersion: messageVersion,
			},
			MutationBytes:   mutation,
			WriteTimeMicros: writeTime,
			ExpiresAtMicros: expiresAt,
		})
	}
	if err := rows.Err(); err != nil {
		return hhstore.Page{}, wrapStoreErr("scan rows", err)
	}
	return page, nil
}

func (s *Store) Delete(ctx context.Context, key hhtypes.HintKey, writeTimeMicros int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// The delete only takes effect if the stored writetime is not
		// newer than the caller's — this is the writetime-safe deletion
		// invariant from §5/§9: a concurrent re-insert with a newer
		// writetime must survive a late delete for the older one.
		_, err := tx.ExecContext(ctx, `
			DELETE FROM hints
			WHERE target_id = ? AND hint_id = ? AND message_version = ? AND write_time_micros <= ?`,
			key.TargetID.String(), key.HintID.String(), key.MessageVersion, writeTimeMicros,
		)
		return wrapStoreErr("delete", err)
	})
}

func (s *Store) BulkDelete(ctx context.Context, targetID uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM hints WHERE target_id = ?`, targetID.String())
		return wrapStoreErr("bulk_delete", err)
	})
}

func (s *Store) TruncateAll(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM hints`)
		return wrapStoreErr("truncate_all", err)
	})
}

func (s *Store) DistinctTargets(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT target_id FROM hints`)
	if err != nil {
		return nil, wrapStoreErr("distinct_targets", err)
	}
	defer rows.Close()

	var targets []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrapStoreErr("distinct_targets row", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, wrapStoreErr("parse target_id", err)
		}
		targets = append(targets, id)
	}
	return targets, rows.Err()
}

func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hints LIMIT 1`).Scan(&count)
	if err != nil {
		return false, wrapStoreErr("is_empty", err)
	}
	return count == 0, nil
}

func (s *Store) Stats(ctx context.Context) (hhtypes.StoreStats, error) {
	var meanBytes sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT AVG(LENGTH(mutation)) FROM hints`).Scan(&meanBytes)
	if err != nil {
		return hhtypes.StoreStats{}, wrapStoreErr("stats", err)
	}
	if !meanBytes.Valid {
		return hhtypes.StoreStats{}, nil
	}
	// The SQL backend does not track per-family column counts separately
	// from row bytes; treat each row as contributing one column for the
	// purposes of the adaptive page-size formula in §4.5.
	return hhtypes.StoreStats{MeanRowBytes: meanBytes.Float64, MeanColumns: 1}, nil
}

func (s *Store) Flush(ctx context.Context) error {
	// Embedded Dolt/MySQL commit semantics already flush on transaction
	// commit; this exists to satisfy the storage contract of §4.1 and
	// gives a server-backed deployment a hook to force a WAL checkpoint.
	_, err := s.db.ExecContext(ctx, `SELECT 1`)
	return wrapStoreErr("flush", err)
}

func (s *Store) Compact(ctx context.Context, targetID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `OPTIMIZE TABLE hints`)
	if err != nil {
		// Not every backend supports OPTIMIZE TABLE; treat as best-effort
		// compaction rather than a hard failure of the delivery session.
		return nil
	}
	return nil
}

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ hhstore.Store = (*Store)(nil)
