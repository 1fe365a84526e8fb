// Package feed exports the fleet as a GTFS-Realtime VehiclePositions feed
package feed

import (
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/Quit4859/trackmybus/pkg/model"
)

const gtfsRealtimeVersion = "2.0"

// BuildVehiclePositions returns a full-dataset feed with one entity per live
// route, positioned as a viewer with the given role would see it
func BuildVehiclePositions(routes []model.Route, role model.Role, now time.Time) *gtfs.FeedMessage {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}

	for _, r := range routes {
		if !r.IsLive {
			continue
		}
		pos, ok := r.PositionFor(role)
		if !ok {
			continue
		}

		vehicleID := r.VehicleID
		if vehicleID == "" {
			vehicleID = r.ID
		}
		vp := &gtfs.VehiclePosition{
			Trip: &gtfs.TripDescriptor{RouteId: proto.String(r.ID)},
			Vehicle: &gtfs.VehicleDescriptor{
				Id:    proto.String(vehicleID),
				Label: proto.String(r.Name),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(pos.Lat)),
				Longitude: proto.Float32(float32(pos.Lng)),
				Bearing:   proto.Float32(float32(r.Heading)),
			},
			Timestamp: proto.Uint64(uint64(now.Unix())),
		}
		if r.NumberPlate != "" {
			vp.Vehicle.LicensePlate = proto.String(r.NumberPlate)
		}
		if stop, ok := r.CurrentStop(); ok {
			vp.StopId = proto.String(stop.ID)
			vp.CurrentStatus = gtfs.VehiclePosition_IN_TRANSIT_TO.Enum()
		}

		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id:      proto.String(r.ID),
			Vehicle: vp,
		})
	}
	return msg
}

// MarshalVehiclePositions encodes the feed in protobuf wire format
func MarshalVehiclePositions(routes []model.Route, role model.Role, now time.Time) ([]byte, error) {
	return proto.Marshal(BuildVehiclePositions(routes, role, now))
}
