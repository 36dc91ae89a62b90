package index

import (
	"bytes"
	"database/sql"
	"embed"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MetaStore persists the tree metadata snapshot taken at quiesce: every
// node descriptor with its version and attribute summaries, plus a clean
// marker. A clean snapshot lets the next start skip the full node store
// scan; the marker is cleared as soon as mutation resumes, so a crash
// forces the scan.
type MetaStore struct {
	db *sql.DB
}

// NodeRecord is one persisted descriptor.
type NodeRecord struct {
	ID      NodeID
	Version uint64
	Summary []SummarySnapshot
}

// OpenMetaStore opens (and migrates) the metadata database at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metadata store: %w", err)
	}
	return &MetaStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database.
func (m *MetaStore) Close() error { return m.db.Close() }

// LoadSnapshot returns the persisted node records and whether the snapshot
// was written by a clean shutdown. A dirty snapshot must be ignored in
// favour of a node store scan.
func (m *MetaStore) LoadSnapshot() ([]NodeRecord, bool, error) {
	var clean string
	err := m.db.QueryRow(`SELECT value FROM meta WHERE key = 'clean'`).Scan(&clean)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading clean marker: %w", err)
	}
	if clean != "1" {
		return nil, false, nil
	}

	rows, err := m.db.Query(`SELECT lod, path, version, summary FROM nodes ORDER BY lod, path`)
	if err != nil {
		return nil, false, fmt.Errorf("reading node records: %w", err)
	}
	defer rows.Close()

	var records []NodeRecord
	for rows.Next() {
		var lod int
		var path []byte
		var version int64
		var summaryBlob []byte
		if err := rows.Scan(&lod, &path, &version, &summaryBlob); err != nil {
			return nil, false, fmt.Errorf("scanning node record: %w", err)
		}
		if len(path) != PathBytes {
			return nil, false, fmt.Errorf("node record has %d path bytes, want %d", len(path), PathBytes)
		}
		var packed [PathBytes]byte
		copy(packed[:], path)
		id, err := NodeIDFromParts(uint8(lod), packed)
		if err != nil {
			return nil, false, fmt.Errorf("node record: %w", err)
		}
		var summary []SummarySnapshot
		if len(summaryBlob) > 0 {
			if err := gob.NewDecoder(bytes.NewReader(summaryBlob)).Decode(&summary); err != nil {
				return nil, false, fmt.Errorf("decoding summary of %s: %w", id, err)
			}
		}
		records = append(records, NodeRecord{ID: id, Version: uint64(version), Summary: summary})
	}
	return records, true, rows.Err()
}

// MarkDirty clears the clean marker. Called once recovery has consumed the
// snapshot, before any mutation can happen.
func (m *MetaStore) MarkDirty() error {
	return retryOnBusy(func() error {
		_, err := m.db.Exec(`INSERT INTO meta (key, value) VALUES ('clean', '0')
			ON CONFLICT(key) DO UPDATE SET value = '0'`)
		return err
	})
}

// SaveSnapshot replaces the persisted records with the current skeleton and
// sets the clean marker, all in one transaction.
func (m *MetaStore) SaveSnapshot(o *Octree) error {
	return retryOnBusy(func() error {
		tx, err := m.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO nodes (lod, path, version, summary) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		var walkErr error
		o.WalkSubtree(RootID(), func(d *Descriptor) bool {
			var blob bytes.Buffer
			if err := gob.NewEncoder(&blob).Encode(d.OwnSummarySnapshot()); err != nil {
				walkErr = fmt.Errorf("encoding summary of %s: %w", d.ID(), err)
				return false
			}
			path := d.ID().Path()
			if _, err := stmt.Exec(int(d.ID().Lod()), path[:], int64(d.Version()), blob.Bytes()); err != nil {
				walkErr = fmt.Errorf("inserting record of %s: %w", d.ID(), err)
				return false
			}
			return true
		})
		if walkErr != nil {
			return walkErr
		}
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('clean', '1')
			ON CONFLICT(key) DO UPDATE SET value = '1'`); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// retryOnBusy retries a sqlite operation a few times when the database is
// locked by a concurrent writer.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") &&
			!strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}
