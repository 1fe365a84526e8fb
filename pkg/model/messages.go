package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMessage is returned when an inbound payload cannot be used
var ErrInvalidMessage = errors.New("invalid message")

// PositionUpdate is the per-route position broadcast
type PositionUpdate struct {
	RouteID   string  `json:"routeId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading"`
	IsLive    bool    `json:"isLive"`
	Timestamp int64   `json:"timestamp"`
}

// ConfigSnapshot carries the full configuration from the admin device
type ConfigSnapshot struct {
	Routes    []Route   `json:"routes"`
	Vehicles  []Vehicle `json:"vehicles"`
	Drivers   []Driver  `json:"drivers"`
	Riders    []Rider   `json:"riders"`
	Timestamp int64     `json:"timestamp"`
}

// NewConfigSnapshot copies the collections into a snapshot stamped with ts
func NewConfigSnapshot(c Collections, ts int64) ConfigSnapshot {
	c = c.Clone()
	return ConfigSnapshot{
		Routes:    c.Routes,
		Vehicles:  c.Vehicles,
		Drivers:   c.Drivers,
		Riders:    c.Riders,
		Timestamp: ts,
	}
}

// Collections returns a deep copy of the snapshot's collections
func (s ConfigSnapshot) Collections() Collections {
	return Collections{
		Routes:   s.Routes,
		Vehicles: s.Vehicles,
		Drivers:  s.Drivers,
		Riders:   s.Riders,
	}.Clone()
}

// Validate checks the fields decoding cannot enforce
func (p PositionUpdate) Validate() error {
	if p.RouteID == "" {
		return fmt.Errorf("%w: routeId is required", ErrInvalidMessage)
	}
	if !ValidCoordinate(p.Lat, p.Lng) {
		return fmt.Errorf("%w: coordinate (%v, %v) out of range", ErrInvalidMessage, p.Lat, p.Lng)
	}
	if math.IsNaN(p.Heading) || math.IsInf(p.Heading, 0) {
		return fmt.Errorf("%w: heading is not finite", ErrInvalidMessage)
	}
	return nil
}

// Validate rejects snapshots with unidentifiable entities
func (s ConfigSnapshot) Validate() error {
	seen := make(map[string]bool, len(s.Routes))
	for i, r := range s.Routes {
		if r.ID == "" {
			return fmt.Errorf("%w: routes[%d] has no id", ErrInvalidMessage, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate route id %q", ErrInvalidMessage, r.ID)
		}
		seen[r.ID] = true
	}
	for i, v := range s.Vehicles {
		if v.ID == "" {
			return fmt.Errorf("%w: vehicles[%d] has no id", ErrInvalidMessage, i)
		}
	}
	for i, d := range s.Drivers {
		if d.ID == "" {
			return fmt.Errorf("%w: drivers[%d] has no id", ErrInvalidMessage, i)
		}
	}
	for i, r := range s.Riders {
		if r.ID == "" {
			return fmt.Errorf("%w: riders[%d] has no id", ErrInvalidMessage, i)
		}
	}
	return nil
}

// wirePosition detects missing required fields
type wirePosition struct {
	RouteID   *string  `json:"routeId"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Heading   *float64 `json:"heading"`
	IsLive    *bool    `json:"isLive"`
	Timestamp *int64   `json:"timestamp"`
}

// DecodePositionUpdate parses and validates a PositionUpdate payload.
// Heading is folded into [0, 360).
func DecodePositionUpdate(data []byte) (PositionUpdate, error) {
	var w wirePosition
	if err := json.Unmarshal(data, &w); err != nil {
		return PositionUpdate{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var missing []string
	if w.RouteID == nil {
		missing = append(missing, "routeId")
	}
	if w.Lat == nil {
		missing = append(missing, "lat")
	}
	if w.Lng == nil {
		missing = append(missing, "lng")
	}
	if w.Heading == nil {
		missing = append(missing, "heading")
	}
	if w.IsLive == nil {
		missing = append(missing, "isLive")
	}
	if w.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return PositionUpdate{}, fmt.Errorf("%w: missing %v", ErrInvalidMessage, missing)
	}

	p := PositionUpdate{
		RouteID:   *w.RouteID,
		Lat:       *w.Lat,
		Lng:       *w.Lng,
		Heading:   *w.Heading,
		IsLive:    *w.IsLive,
		Timestamp: *w.Timestamp,
	}
	if err := p.Validate(); err != nil {
		return PositionUpdate{}, err
	}
	p.Heading = NormalizeHeading(p.Heading)
	return p, nil
}

type wireSnapshot struct {
	Routes    *[]Route   `json:"routes"`
	Vehicles  *[]Vehicle `json:"vehicles"`
	Drivers   *[]Driver  `json:"drivers"`
	Riders    *[]Rider   `json:"riders"`
	Timestamp *int64     `json:"timestamp"`
}

// DecodeConfigSnapshot parses and validates a ConfigSnapshot payload.
// All four collections and the timestamp must be present; empty arrays are fine.
func DecodeConfigSnapshot(data []byte) (ConfigSnapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return ConfigSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Routes == nil || w.Vehicles == nil || w.Drivers == nil || w.Riders == nil || w.Timestamp == nil {
		return ConfigSnapshot{}, fmt.Errorf("%w: snapshot is missing a collection or timestamp", ErrInvalidMessage)
	}
	s := ConfigSnapshot{
		Routes:    *w.Routes,
		Vehicles:  *w.Vehicles,
		Drivers:   *w.Drivers,
		Riders:    *w.Riders,
		Timestamp: *w.Timestamp,
	}
	if err := s.Validate(); err != nil {
		return ConfigSnapshot{}, err
	}
	return s, nil
}
