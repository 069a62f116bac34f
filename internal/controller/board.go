package controller

import (
	"strings"
	"time"

	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/reconcile"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

const statusKey = "status"

// Status is the immutable result of the last completed tick
type Status struct {
	TickID  string               `json:"tick_id"`
	At      time.Time            `json:"at"`
	Price   *decimal.Decimal     `json:"price,omitempty"`
	Outdoor *float64             `json:"outdoor,omitempty"`
	Samples []engine.PriceSample `json:"samples"`
	Rooms   []RoomStatus         `json:"rooms"`
	Errors  int                  `json:"errors"`
}

// RoomStatus is what happened to one room on a tick
type RoomStatus struct {
	Name     string                `json:"name"`
	SensorID string                `json:"sensor_id"`
	Target   engine.ResolvedTarget `json:"target"`
	Reading  *engine.SensorReading `json:"reading,omitempty"`
	Sent     int                   `json:"sent,omitempty"`
	Status   reconcile.Status      `json:"status,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Board shares tick results with concurrent readers. Entries expire so a
// stuck loop shows up as missing status.
type Board struct {
	c *cache.Cache
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{c: cache.New(cache.NoExpiration, time.Minute)}
}

// Publish replaces the current status. A ttl of zero never expires.
func (b *Board) Publish(s Status, ttl time.Duration) {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	b.c.Set(statusKey, s, ttl)
}

// Status returns the last published status
func (b *Board) Status() (Status, bool) {
	v, ok := b.c.Get(statusKey)
	if !ok {
		return Status{}, false
	}
	return v.(Status), true
}

// Room returns the last status of a room, matched case-insensitively
func (b *Board) Room(name string) (RoomStatus, bool) {
	s, ok := b.Status()
	if !ok {
		return RoomStatus{}, false
	}
	for _, r := range s.Rooms {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return RoomStatus{}, false
}
