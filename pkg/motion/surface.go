package motion

import (
	"fmt"
	"strings"

	"github.com/Quit4859/trackmybus/pkg/model"
)

// Mode is the camera lock state
type Mode int

const (
	ModeFree Mode = iota
	ModeLockedVehicle
	ModeLockedSelf
)

func (m Mode) String() string {
	switch m {
	case ModeLockedVehicle:
		return "LOCKED_VEHICLE"
	case ModeLockedSelf:
		return "LOCKED_SELF"
	default:
		return "FREE"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode accepts the names produced by String, case-insensitively
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FREE":
		return ModeFree, nil
	case "LOCKED_VEHICLE":
		return ModeLockedVehicle, nil
	case "LOCKED_SELF":
		return ModeLockedSelf, nil
	}
	return ModeFree, fmt.Errorf("unknown camera mode %q", s)
}

// InputClass is a manual map gesture the surface can disable
type InputClass string

const (
	InputPan           InputClass = "pan"
	InputZoom          InputClass = "zoom"
	InputRotate        InputClass = "rotate"
	InputDoubleTapZoom InputClass = "doubleTapZoom"
)

// AllInputs lists every gesture class
var AllInputs = []InputClass{InputPan, InputZoom, InputRotate, InputDoubleTapZoom}

// Camera is one framing request
type Camera struct {
	Center     model.LatLng `json:"center"`
	Bearing    float64      `json:"bearing"`
	Pitch      float64      `json:"pitch"`
	Zoom       float64      `json:"zoom"`
	DurationMs int64        `json:"durationMs"`
}

// Marker is one presented map marker
type Marker struct {
	ID       string       `json:"id"`
	Position model.LatLng `json:"position"`
	Rotation float64      `json:"rotation"`
	Live     bool         `json:"live"`
	Content  string       `json:"content"`
}

// MapSurface is the rendering collaborator driven by the controller
type MapSurface interface {
	SetCamera(c Camera)
	UpsertMarker(m Marker)
	SetInputEnabled(input InputClass, enabled bool)
}

// PresentMarker derives the vehicle marker from the rendered position,
// heading and live flag. It has no state of its own.
func PresentMarker(id string, rendered model.LatLng, heading float64, isLive bool) Marker {
	content := "offline"
	if isLive {
		content = "live"
	}
	return Marker{
		ID:       id,
		Position: rendered,
		Rotation: model.NormalizeHeading(heading),
		Live:     isLive,
		Content:  content,
	}
}
