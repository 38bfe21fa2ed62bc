package presence

import (
	"math"
	"testing"

	"github.com/your-org/presence/internal/models"
)

func TestWithinRange_NoFenceAlwaysPasses(t *testing.T) {
	if !WithinRange(nil, nil) {
		t.Error("session without a location should never require verification")
	}
	if !WithinRange(&models.GeoPoint{Lat: 50, Lng: 14}, nil) {
		t.Error("session without a location should never require verification")
	}
}

func TestWithinRange_UnknownPositionFailsClosed(t *testing.T) {
	fence := &models.Location{Lat: 50, Lng: 14, RadiusMeters: 100}
	if WithinRange(nil, fence) {
		t.Error("geofenced session with unknown position must fail closed")
	}
}

func TestWithinRange_InsideRadius(t *testing.T) {
	fence := &models.Location{Lat: 50.0, Lng: 14.0, RadiusMeters: 200}
	subject := &models.GeoPoint{Lat: 50.001, Lng: 14.0} // ~111m north

	if !WithinRange(subject, fence) {
		t.Error("subject ~111m from center should be inside a 200m fence")
	}
}

func TestWithinRange_OutsideRadius(t *testing.T) {
	fence := &models.Location{Lat: 50.0, Lng: 14.0, RadiusMeters: 50}
	subject := &models.GeoPoint{Lat: 50.001, Lng: 14.0} // ~111m north

	if WithinRange(subject, fence) {
		t.Error("subject ~111m from center should be outside a 50m fence")
	}
}

func TestWithinRange_ExactlyAtRadiusIsInside(t *testing.T) {
	fence := &models.Location{Lat: 0, Lng: 0}
	subject := &models.GeoPoint{Lat: 0.001, Lng: 0}

	fence.RadiusMeters = HaversineMeters(subject.Lat, subject.Lng, fence.Lat, fence.Lng)
	if !WithinRange(subject, fence) {
		t.Error("radius comparison must be inclusive")
	}
}

func TestHaversineMeters_KnownDistance(t *testing.T) {
	// One degree of longitude at the equator.
	d := HaversineMeters(0, 0, 0, 1)
	if math.Abs(d-111195) > 200 {
		t.Errorf("expected ~111195m, got %f", d)
	}
}

func TestHaversineMeters_ZeroDistance(t *testing.T) {
	if d := HaversineMeters(50.08, 14.43, 50.08, 14.43); d != 0 {
		t.Errorf("expected 0, got %f", d)
	}
}
