package motion

import (
	"context"

	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/state"
)

// RouteSource is the read side of the state store used by the follower
type RouteSource interface {
	ActiveRoute() (model.Route, bool)
	Role() model.Role
}

// Follow keeps the controller's target on the active route's role-visible
// position until ctx is done or the change stream closes
func Follow(ctx context.Context, src RouteSource, changes <-chan state.Change, c *Controller) {
	Sync(src, c)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			Sync(src, c)
		}
	}
}

// Sync copies the current active route into the controller once
func Sync(src RouteSource, c *Controller) {
	r, ok := src.ActiveRoute()
	if !ok {
		return
	}
	pos, _ := r.PositionFor(src.Role())
	c.SetTarget(pos, r.Heading, r.IsLive)
}
