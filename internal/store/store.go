package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const dateLayout = "2006-01-02"

// Tick summarises one control loop pass
type Tick struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Outdoor   *float64         `json:"outdoor,omitempty"`
	Rooms     int              `json:"rooms"`
	Errors    int              `json:"errors"`
}

// Adjustment is one set-point decision for a room
type Adjustment struct {
	ID       string              `json:"id"`
	TickID   string              `json:"tick_id"`
	Room     string              `json:"room"`
	SensorID string              `json:"sensor_id"`
	Previous int                 `json:"previous"`
	Target   int                 `json:"target"`
	Sent     int                 `json:"sent"`
	Reason   engine.TargetReason `json:"reason"`
	Status   string              `json:"status"`
	At       time.Time           `json:"at"`
}

// Store handles persistent storage using SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a new store and initializes the database
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// the daemon's tick loop and HTTP handlers share one connection
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initialize creates the database schema
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS price_cache (
		date TEXT PRIMARY KEY,
		samples TEXT NOT NULL,
		fetched_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ticks (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		price TEXT,
		outdoor REAL,
		rooms INTEGER NOT NULL,
		errors INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		tick_id TEXT NOT NULL,
		room TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		previous INTEGER NOT NULL,
		target INTEGER NOT NULL,
		sent INTEGER NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ticks_started ON ticks(started_at);
	CREATE INDEX IF NOT EXISTS idx_adjustments_at ON adjustments(at);
	CREATE INDEX IF NOT EXISTS idx_adjustments_room ON adjustments(room, at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CachePrices stores the samples fetched for a date
func (s *Store) CachePrices(date time.Time, samples []engine.PriceSample) error {
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO price_cache (date, samples, fetched_at) VALUES (?, ?, ?)`
	_, err = s.db.Exec(query, date.Format(dateLayout), string(samplesJSON), time.Now().UTC())
	return err
}

// GetCachedPrices retrieves the samples stored for a date
func (s *Store) GetCachedPrices(date time.Time) ([]engine.PriceSample, error) {
	query := `SELECT samples FROM price_cache WHERE date = ?`

	var samplesJSON string
	err := s.db.QueryRow(query, date.Format(dateLayout)).Scan(&samplesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prices for %s: %w", date.Format(dateLayout), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var samples []engine.PriceSample
	if err := json.Unmarshal([]byte(samplesJSON), &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// RecordTick inserts a tick, assigning an ID when missing. It returns the ID.
func (s *Store) RecordTick(t Tick) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var price sql.NullString
	if t.Price != nil {
		price = sql.NullString{String: t.Price.String(), Valid: true}
	}
	var outdoor sql.NullFloat64
	if t.Outdoor != nil {
		outdoor = sql.NullFloat64{Float64: *t.Outdoor, Valid: true}
	}

	query := `INSERT INTO ticks (id, started_at, price, outdoor, rooms, errors) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, t.ID, t.StartedAt.UTC(), price, outdoor, t.Rooms, t.Errors)
	return t.ID, err
}

// RecentTicks returns the newest ticks first
func (s *Store) RecentTicks(limit int) ([]Tick, error) {
	query := `SELECT id, started_at, price, outdoor, rooms, errors
		FROM ticks ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ticks := []Tick{}
	for rows.Next() {
		var t Tick
		var price sql.NullString
		var outdoor sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.StartedAt, &price, &outdoor, &t.Rooms, &t.Errors); err != nil {
			return nil, err
		}
		if price.Valid {
			d, err := decimal.NewFromString(price.String)
			if err != nil {
				return nil, fmt.Errorf("tick %s price: %w", t.ID, err)
			}
			t.Price = &d
		}
		if outdoor.Valid {
			t.Outdoor = &outdoor.Float64
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// RecordAdjustment inserts a set-point decision
func (s *Store) RecordAdjustment(a Adjustment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := `INSERT INTO adjustments
		(id, tick_id, room, sensor_id, previous, target, sent, reason, status, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, a.ID, a.TickID, a.Room, a.SensorID, a.Previous, a.Target, a.Sent,
		string(a.Reason), a.Status, a.At.UTC())
	return err
}

// RecentAdjustments returns the newest adjustments first. An empty room
// matches all rooms.
func (s *Store) RecentAdjustments(room string, limit int) ([]Adjustment, error) {
	query := `SELECT id, tick_id, room, sensor_id, previous, target, sent, reason, status, at
		FROM adjustments WHERE (? = '' OR lower(room) = lower(?)) ORDER BY at DESC LIMIT ?`

	rows, err := s.db.Query(query, room, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adjustments := []Adjustment{}
	for rows.Next() {
		var a Adjustment
		var reason string
		err := rows.Scan(&a.ID, &a.TickID, &a.Room, &a.SensorID, &a.Previous, &a.Target, &a.Sent,
			&reason, &a.Status, &a.At)
		if err != nil {
			return nil, err
		}
		a.Reason = engine.TargetReason(reason)
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}
