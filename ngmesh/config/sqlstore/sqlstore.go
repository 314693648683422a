// Package sqlstore is a config.Store backed by SQLite.
package sqlstore

import (
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/oops"

	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS whitelist (
  device_id  TEXT PRIMARY KEY
);
`,
	`
CREATE TABLE IF NOT EXISTS host_table (
  hostname  TEXT PRIMARY KEY,
  address   TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS settings (
  name   TEXT PRIMARY KEY,
  value  TEXT NOT NULL
);
`,
}

// Store keeps the whitelist, host table and settings in one SQLite file.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

var _ config.Store = (*Store)(nil)

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, oops.Wrapf(err, "create storage directory")
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, oops.Wrapf(err, "open sqlite database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, oops.Wrapf(err, "ping sqlite database")
	}
	s := &Store{db: db}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return oops.Wrapf(err, "read schema version")
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return oops.Wrapf(err, "begin migration transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return oops.Wrapf(err, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return oops.Wrapf(err, "set schema version %d", i+1)
		}
	}
	if err := tx.Commit(); err != nil {
		return oops.Wrapf(err, "commit migration transaction")
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return oops.Wrapf(err, "enable WAL mode")
	}
	if !strings.EqualFold(mode, "wal") {
		return oops.Errorf("enable WAL mode: unexpected journal mode %q", mode)
	}
	return nil
}

func (s *Store) Whitelist() ([]identity.DeviceID, error) {
	rows, err := s.db.Query("SELECT device_id FROM whitelist")
	if err != nil {
		return nil, oops.Wrapf(err, "query whitelist")
	}
	defer rows.Close()

	var ids []identity.DeviceID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, oops.Wrapf(err, "scan whitelist")
		}
		id, err := identity.ParseDeviceID(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Wrapf(err, "iterate whitelist")
	}
	config.SortIDs(ids)
	return ids, nil
}

func (s *Store) IsOnWhitelist(id identity.DeviceID) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM whitelist WHERE device_id = ?", id.String()).Scan(&n)
	if err != nil {
		return false, oops.Wrapf(err, "query whitelist")
	}
	return n > 0, nil
}

func (s *Store) HostTable() (map[string]netip.Addr, error) {
	rows, err := s.db.Query("SELECT hostname, address FROM host_table")
	if err != nil {
		return nil, oops.Wrapf(err, "query host table")
	}
	defer rows.Close()

	hosts := make(map[string]netip.Addr)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, oops.Wrapf(err, "scan host table")
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		hosts[name] = addr
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Wrapf(err, "iterate host table")
	}
	return hosts, nil
}

func (s *Store) Setting(name string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM settings WHERE name = ?", name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.Wrapf(err, "query setting %s", name)
	}
	return v, true, nil
}

// GroupChanges runs fn inside one SQL transaction.
func (s *Store) GroupChanges(fn func(config.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return oops.Wrapf(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(writer{tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return oops.Wrapf(err, "commit transaction")
	}
	return nil
}

func (s *Store) WhitelistAdd(id identity.DeviceID) error { return writer{s.db}.WhitelistAdd(id) }
func (s *Store) WhitelistRemove(id identity.DeviceID) error {
	return writer{s.db}.WhitelistRemove(id)
}
func (s *Store) WhitelistClear() error { return writer{s.db}.WhitelistClear() }
func (s *Store) HostTableAdd(hostname string, addr netip.Addr) error {
	return writer{s.db}.HostTableAdd(hostname, addr)
}
func (s *Store) HostTableRemove(hostname string) error { return writer{s.db}.HostTableRemove(hostname) }
func (s *Store) HostTableClear() error                 { return writer{s.db}.HostTableClear() }
func (s *Store) SetSetting(name, value string) error   { return writer{s.db}.SetSetting(name, value) }

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// writer implements config.Tx on either the database or an open transaction.
type writer struct {
	ex execer
}

func (w writer) exec(what, query string, args ...any) error {
	if _, err := w.ex.Exec(query, args...); err != nil {
		return oops.Wrapf(err, "%s", what)
	}
	return nil
}

func (w writer) WhitelistAdd(id identity.DeviceID) error {
	return w.exec("whitelist add", "INSERT OR IGNORE INTO whitelist (device_id) VALUES (?)", id.String())
}

func (w writer) WhitelistRemove(id identity.DeviceID) error {
	return w.exec("whitelist remove", "DELETE FROM whitelist WHERE device_id = ?", id.String())
}

func (w writer) WhitelistClear() error {
	return w.exec("whitelist clear", "DELETE FROM whitelist")
}

func (w writer) HostTableAdd(hostname string, addr netip.Addr) error {
	name, err := config.NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	return w.exec("host table add",
		"INSERT INTO host_table (hostname, address) VALUES (?, ?) ON CONFLICT(hostname) DO UPDATE SET address = excluded.address",
		name, addr.String())
}

func (w writer) HostTableRemove(hostname string) error {
	name, err := config.NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	return w.exec("host table remove", "DELETE FROM host_table WHERE hostname = ?", name)
}

func (w writer) HostTableClear() error {
	return w.exec("host table clear", "DELETE FROM host_table")
}

func (w writer) SetSetting(name, value string) error {
	return w.exec("set setting",
		"INSERT INTO settings (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, value)
}
