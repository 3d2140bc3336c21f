package geo

import "testing"

func TestHaversineZeroDistance(t *testing.T) {
	p := Point{Lat: 40.7128, Lng: -74.0060}
	if d := HaversineKm(p, p); d != 0 {
		t.Fatalf("expected 0 distance for identical points, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// NYC to LA, roughly 3935km great-circle.
	nyc := Point{Lat: 40.7128, Lng: -74.0060}
	la := Point{Lat: 34.0522, Lng: -118.2437}
	d := HaversineKm(nyc, la)
	if d < 3800 || d > 4050 {
		t.Fatalf("expected ~3935km, got %f", d)
	}
}

func TestPolygonContainsSquare(t *testing.T) {
	square := Polygon{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 10},
		{Lat: 10, Lng: 10},
		{Lat: 10, Lng: 0},
	}
	if !square.Contains(Point{Lat: 5, Lng: 5}) {
		t.Fatalf("expected center point to be inside square")
	}
	if square.Contains(Point{Lat: 50, Lng: 50}) {
		t.Fatalf("expected far point to be outside square")
	}
}

func TestPolygonDegenerateIsNeverInside(t *testing.T) {
	line := Polygon{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 1}}
	if line.Contains(Point{Lat: 0.5, Lng: 0.5}) {
		t.Fatalf("expected degenerate polygon to contain nothing")
	}
}
