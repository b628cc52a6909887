// Package store 本地缓存：每台主控最后的设置与从机列表，以及会话/流程事件日志。
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/recaner35/HorusByWyntro/internal/protocol"
)

type Store struct {
	db *sql.DB
}

// Event 一条事件日志
type Event struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	Controller string    `json:"controller"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
}

// CachedSettings 上次见到的主机设置
type CachedSettings struct {
	Settings  protocol.DeviceSettings `json:"settings"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA synchronous=NORMAL;")

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS device_settings (
  controller TEXT PRIMARY KEY,
  settings_json TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS peers (
  controller TEXT NOT NULL,
  mac TEXT NOT NULL,
  position INTEGER NOT NULL DEFAULT 0,
  name TEXT NOT NULL DEFAULT '',
  tpd INTEGER NOT NULL DEFAULT 900,
  dur INTEGER NOT NULL DEFAULT 10,
  dir INTEGER NOT NULL DEFAULT 2,
  running INTEGER NOT NULL DEFAULT 0,
  online INTEGER NOT NULL DEFAULT 1,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (controller, mac)
);

CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  at INTEGER NOT NULL,
  controller TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
`
	_, err := s.db.Exec(schema)
	return err
}

func controllerKey(controller string) string {
	return strings.ToLower(strings.TrimSpace(controller))
}

// SaveSettings 记录主控的最新设置
func (s *Store) SaveSettings(controller string, ds protocol.DeviceSettings) error {
	b, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO device_settings(controller,settings_json,updated_at)
VALUES(?,?,?)
ON CONFLICT(controller) DO UPDATE SET
  settings_json=excluded.settings_json,
  updated_at=excluded.updated_at
`, controllerKey(controller), string(b), time.Now().UnixMilli())
	return err
}

// LastSettings 读取缓存；没有记录时 ok=false
func (s *Store) LastSettings(controller string) (CachedSettings, bool, error) {
	row := s.db.QueryRow(`SELECT settings_json, updated_at FROM device_settings WHERE controller=?`, controllerKey(controller))
	var (
		raw string
		at  int64
	)
	if err := row.Scan(&raw, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedSettings{}, false, nil
		}
		return CachedSettings{}, false, err
	}
	out := CachedSettings{Settings: protocol.DefaultDeviceSettings(), UpdatedAt: time.UnixMilli(at)}
	if err := json.Unmarshal([]byte(raw), &out.Settings); err != nil {
		return CachedSettings{}, false, fmt.Errorf("decode cached settings: %w", err)
	}
	return out, true, nil
}

// ReplacePeers 与内存里的从机列表一样整体替换
func (s *Store) ReplacePeers(controller string, peers []protocol.Peer) error {
	key := controllerKey(controller)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM peers WHERE controller=?`, key); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	stmt, err := tx.Prepare(`
INSERT INTO peers(controller,mac,position,name,tpd,dur,dir,running,online,updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(controller,mac) DO NOTHING
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, p := range peers {
		if _, err := stmt.Exec(key, p.MAC, i, p.Name, p.TPD, p.Dur, int(p.Dir), boolToInt(p.Running), boolToInt(p.Online), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Peers 缓存的从机列表，按快照中的顺序
func (s *Store) Peers(controller string) ([]protocol.Peer, error) {
	rows, err := s.db.Query(`
SELECT mac,name,tpd,dur,dir,running,online
FROM peers
WHERE controller=?
ORDER BY position ASC
`, controllerKey(controller))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Peer{}
	for rows.Next() {
		var (
			p       protocol.Peer
			dir     int
			running int
			online  int
		)
		if err := rows.Scan(&p.MAC, &p.Name, &p.TPD, &p.Dur, &dir, &running, &online); err != nil {
			return nil, err
		}
		p.Dir = protocol.Direction(dir)
		p.Running = running == 1
		p.Online = online == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendEvent 写一条事件
func (s *Store) AppendEvent(controller, kind, detail string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("event kind required")
	}
	_, err := s.db.Exec(`INSERT INTO events(at,controller,kind,detail) VALUES(?,?,?,?)`,
		time.Now().UnixMilli(), controllerKey(controller), kind, detail)
	return err
}

// RecentEvents 最近的事件，新的在前
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.Query(`
SELECT id, at, controller, kind, detail
FROM events
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			at int64
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Controller, &ev.Kind, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents 只保留最新的 keep 条
func (s *Store) PruneEvents(keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.Exec(`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, keep)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
