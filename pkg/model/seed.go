package model

// Seed returns the built-in dataset used when durable storage is empty or corrupt
func Seed() Collections {
	return Collections{
		Routes: []Route{
			{
				ID:          "R-101",
				Name:        "Tiptur Campus Express",
				Driver:      "Rajesh Kumar",
				DriverPhone: "+91 98765 43210",
				NumberPlate: "KA-01-CB-1234",
				VehicleID:   "B-1",
				ETA:         "12 mins",
				Stops: []Stop{
					{ID: "1", Name: "Tiptur Railway Station", Time: "07:30 AM", Status: StopPassed, Lat: 13.2642, Lng: 76.4764},
					{ID: "2", Name: "Main Road Circle", Time: "07:45 AM", Status: StopPassed, Lat: 13.2680, Lng: 76.4820},
					{ID: "3", Name: "Science Block Gate", Time: "07:55 AM", Status: StopCurrent, Lat: 13.2720, Lng: 76.4880},
				},
				Path:      [][2]float64{{76.4764, 13.2642}, {76.4820, 13.2680}, {76.4880, 13.2720}},
				LiveLat:   13.2720,
				LiveLng:   76.4880,
				ActualLat: 13.2720,
				ActualLng: 76.4880,
			},
		},
		Vehicles: []Vehicle{
			{ID: "B-1", NumberPlate: "KA-01-CB-1234", DriverID: "D-1"},
		},
		Drivers: []Driver{
			{ID: "D-1", Name: "Rajesh Kumar", Phone: "+91 98765 43210", Email: "driver@gmail.com", Password: "123123"},
		},
		Riders: []Rider{
			{
				ID:              "S-1",
				Name:            "Student One",
				Email:           "student@gmail.com",
				Password:        "123123",
				AssignedRouteID: "R-101",
				Branch:          "Computer Science and Engineering",
				MobileNumber:    "9988776655",
				RegisterNumber:  "485CSE21001",
			},
		},
	}
}
