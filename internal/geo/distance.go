package geo

import (
	"math"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance in kilometers between two
// coordinates.
func HaversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

// DistanceToHelper returns the distance in meters from the patient's sample
// to the helper's last reported location.
func DistanceToHelper(patient domain.LocationSample, helper domain.HelperLocation) float64 {
	return HaversineKM(patient.Lat, patient.Lng, helper.Lat, helper.Lng) * 1000
}
