package storage

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/Quit4859/trackmybus/pkg/model"
)

// Kind names one independently stored collection
type Kind string

const (
	KindRoutes   Kind = "bus_routes"
	KindVehicles Kind = "bus_fleet"
	KindDrivers  Kind = "bus_drivers"
	KindRiders   Kind = "bus_riders"
)

// AllKinds lists every collection key
var AllKinds = []Kind{KindRoutes, KindVehicles, KindDrivers, KindRiders}

// Mirror persists the four collections to a Backend
type Mirror struct {
	backend Backend
	log     *logrus.Entry
}

func NewMirror(backend Backend, log *logrus.Entry) *Mirror {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Mirror{backend: backend, log: log.WithField("component", "storage")}
}

// Load reads every collection. A missing or unparsable collection is
// replaced by the matching seed collection; the returned collections are
// always usable and the error only describes what fell back.
func (m *Mirror) Load(seed model.Collections) (model.Collections, error) {
	seed = seed.Clone()
	out := seed
	var result *multierror.Error

	for _, kind := range AllKinds {
		raw, ok, err := m.backend.Get(string(kind))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("read %s: %w", kind, err))
			continue
		}
		if !ok {
			continue
		}
		if err := decodeInto(&out, kind, raw); err != nil {
			resetKind(&out, seed, kind)
			result = multierror.Append(result, fmt.Errorf("decode %s: %w", kind, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		m.log.WithError(err).Warn("Some collections fell back to seed data")
		return out, err
	}
	return out, nil
}

// Save writes the given kinds (all of them when none are named) in one batch
func (m *Mirror) Save(c model.Collections, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	values := make(map[string][]byte, len(kinds))
	var result *multierror.Error
	for _, kind := range kinds {
		data, err := encode(c, kind)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("encode %s: %w", kind, err))
			continue
		}
		values[string(kind)] = data
	}
	if len(values) > 0 {
		if err := m.backend.PutMany(values); err != nil {
			result = multierror.Append(result, fmt.Errorf("write: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Close releases the backend
func (m *Mirror) Close() error {
	return m.backend.Close()
}

func encode(c model.Collections, kind Kind) ([]byte, error) {
	switch kind {
	case KindRoutes:
		return json.Marshal(nonNil(c.Routes))
	case KindVehicles:
		return json.Marshal(nonNil(c.Vehicles))
	case KindDrivers:
		return json.Marshal(nonNil(c.Drivers))
	case KindRiders:
		return json.Marshal(nonNil(c.Riders))
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func decodeInto(c *model.Collections, kind Kind, raw []byte) error {
	switch kind {
	case KindRoutes:
		var v []model.Route
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Routes = nonNil(v)
	case KindVehicles:
		var v []model.Vehicle
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Vehicles = nonNil(v)
	case KindDrivers:
		var v []model.Driver
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Drivers = nonNil(v)
	case KindRiders:
		var v []model.Rider
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		c.Riders = nonNil(v)
	}
	return nil
}

func resetKind(c *model.Collections, seed model.Collections, kind Kind) {
	switch kind {
	case KindRoutes:
		c.Routes = seed.Routes
	case KindVehicles:
		c.Vehicles = seed.Vehicles
	case KindDrivers:
		c.Drivers = seed.Drivers
	case KindRiders:
		c.Riders = seed.Riders
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
