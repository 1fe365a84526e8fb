package model

import (
	"fmt"
	"math"
	"strings"
)

// Role identifies which class of viewer a device is acting as
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// ParseRole normalizes a role name. "student" and "parent" map to rider.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "driver":
		return RoleDriver, nil
	case "rider", "student", "parent":
		return RoleRider, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Privileged reports whether the role may see the raw (actual) position
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleDriver
}

// StopStatus is the progression state of a stop along its route
type StopStatus string

const (
	StopPassed   StopStatus = "passed"
	StopCurrent  StopStatus = "current"
	StopUpcoming StopStatus = "upcoming"
)

// LatLng is a WGS84 coordinate in decimal degrees
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DefaultCenter is used when a route has no usable position yet
var DefaultCenter = LatLng{Lat: 13.2642, Lng: 76.4764}

// ValidCoordinate reports whether lat/lng are finite and within range
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// NormalizeHeading folds any finite angle into [0, 360)
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// Stop is a scheduled halt on a route
type Stop struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Time   string     `json:"time"`
	Status StopStatus `json:"status"`
	Lat    float64    `json:"lat"`
	Lng    float64    `json:"lng"`
}

// Route is a named path with ordered stops and a single assigned vehicle.
// LiveLat/LiveLng is the public position and only moves while IsLive;
// ActualLat/ActualLng is the raw position visible to privileged roles.
type Route struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Driver      string       `json:"driver"`
	DriverPhone string       `json:"driverPhone"`
	NumberPlate string       `json:"numberPlate"`
	ETA         string       `json:"eta,omitempty"`
	Stops       []Stop       `json:"stops"`
	Path        [][2]float64 `json:"path,omitempty"` // [lng, lat] pairs
	LiveLat     float64      `json:"liveLat"`
	LiveLng     float64      `json:"liveLng"`
	ActualLat   float64      `json:"actualLat"`
	ActualLng   float64      `json:"actualLng"`
	Heading     float64      `json:"heading"`
	IsLive      bool         `json:"isLive"`
	VehicleID   string       `json:"vehicleId,omitempty"`
}

// Clone returns a deep copy of the route
func (r Route) Clone() Route {
	out := r
	if r.Stops != nil {
		out.Stops = make([]Stop, len(r.Stops))
		copy(out.Stops, r.Stops)
	}
	if r.Path != nil {
		out.Path = make([][2]float64, len(r.Path))
		copy(out.Path, r.Path)
	}
	return out
}

// Live returns the public position
func (r Route) Live() LatLng { return LatLng{Lat: r.LiveLat, Lng: r.LiveLng} }

// Actual returns the raw position
func (r Route) Actual() LatLng { return LatLng{Lat: r.ActualLat, Lng: r.ActualLng} }

// PositionFor returns the position a viewer with the given role is allowed to see.
// Admins and drivers see the actual position, riders the frozen-when-offline live one.
func (r Route) PositionFor(role Role) (LatLng, bool) {
	p := r.Live()
	if role.Privileged() {
		p = r.Actual()
	}
	if !ValidCoordinate(p.Lat, p.Lng) || (p.Lat == 0 && p.Lng == 0) {
		return DefaultCenter, false
	}
	return p, true
}

// CurrentStop returns the stop flagged as current, if any
func (r Route) CurrentStop() (Stop, bool) {
	for _, s := range r.Stops {
		if s.Status == StopCurrent {
			return s, true
		}
	}
	return Stop{}, false
}

// Vehicle is a bus in the fleet
type Vehicle struct {
	ID          string `json:"id"`
	NumberPlate string `json:"numberPlate"`
	DriverID    string `json:"driverId,omitempty"`
}

// Driver operates a vehicle and broadcasts its position
type Driver struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

// Rider is a student or parent following an assigned route
type Rider struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password,omitempty"`
	AssignedRouteID string `json:"assignedRouteId"`
	Branch          string `json:"branch,omitempty"`
	MobileNumber    string `json:"mobileNumber,omitempty"`
	RegisterNumber  string `json:"registerNumber,omitempty"`
}

// Collections is the full configuration a device holds
type Collections struct {
	Routes   []Route   `json:"routes"`
	Vehicles []Vehicle `json:"vehicles"`
	Drivers  []Driver  `json:"drivers"`
	Riders   []Rider   `json:"riders"`
}

// Clone returns a deep copy; nil collections become empty slices
func (c Collections) Clone() Collections {
	out := Collections{
		Routes:   make([]Route, len(c.Routes)),
		Vehicles: make([]Vehicle, len(c.Vehicles)),
		Drivers:  make([]Driver, len(c.Drivers)),
		Riders:   make([]Rider, len(c.Riders)),
	}
	for i, r := range c.Routes {
		out.Routes[i] = r.Clone()
	}
	copy(out.Vehicles, c.Vehicles)
	copy(out.Drivers, c.Drivers)
	copy(out.Riders, c.Riders)
	return out
}

// RouteIndex returns the index of the route with the given id, or -1
func (c Collections) RouteIndex(id string) int {
	for i := range c.Routes {
		if c.Routes[i].ID == id {
			return i
		}
	}
	return -1
}

// RouteForDriver resolves a driver's route through the vehicle assigned to them
func (c Collections) RouteForDriver(driverID string) (string, bool) {
	for _, v := range c.Vehicles {
		if v.DriverID == "" || v.DriverID != driverID {
			continue
		}
		for _, r := range c.Routes {
			if r.VehicleID == v.ID {
				return r.ID, true
			}
		}
	}
	return "", false
}

// RouteForRider returns the rider's assigned route if it still exists
func (c Collections) RouteForRider(riderID string) (string, bool) {
	for _, s := range c.Riders {
		if s.ID == riderID && s.AssignedRouteID != "" && c.RouteIndex(s.AssignedRouteID) >= 0 {
			return s.AssignedRouteID, true
		}
	}
	return "", false
}

// ActiveRouteFor picks the route a user should be tracking after sign-in.
// Falls back to the first route.
func (c Collections) ActiveRouteFor(role Role, userID string) string {
	var (
		id string
		ok bool
	)
	switch role {
	case RoleDriver:
		id, ok = c.RouteForDriver(userID)
	case RoleRider:
		id, ok = c.RouteForRider(userID)
	}
	if ok {
		return id
	}
	if len(c.Routes) > 0 {
		return c.Routes[0].ID
	}
	return ""
}

// Fix is a validated location sample ready to be applied to the driver's route
type Fix struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading"`
}
