package geo

import (
	"math"
)

const earthRadiusKm = 6371

type Point struct {
	Lat float64
	Lon float64
}

// Great circle distance in kilometers.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusKm
}

// Distance in meters from p to the segment a-b.
//
// Coordinates are projected onto a plane tangent at p, which is
// accurate to well under a meter at the distances a bus stop or
// polyline gap spans.
func PointSegmentDistance(p, a, b Point) float64 {
	const metersPerDegree = earthRadiusKm * 1000 * math.Pi / 180
	cosLat := math.Cos(p.Lat * math.Pi / 180)

	ax := (a.Lon - p.Lon) * metersPerDegree * cosLat
	ay := (a.Lat - p.Lat) * metersPerDegree
	bx := (b.Lon - p.Lon) * metersPerDegree * cosLat
	by := (b.Lat - p.Lat) * metersPerDegree

	dx := bx - ax
	dy := by - ay
	lenSq := dx*dx + dy*dy

	t := 0.0
	if lenSq > 0 {
		// Projection of the origin (p) onto the segment.
		t = -(ax*dx + ay*dy) / lenSq
		t = math.Max(0, math.Min(1, t))
	}

	cx := ax + t*dx
	cy := ay + t*dy
	return math.Sqrt(cx*cx + cy*cy)
}

// Smallest distance in meters from p to any segment of the
// polyline. A single point polyline degenerates to point distance.
// Returns +Inf for an empty polyline.
func PolylineDistance(p Point, line []Point) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return PointSegmentDistance(p, line[0], line[0])
	}

	best := math.Inf(1)
	for i := 1; i < len(line); i++ {
		d := PointSegmentDistance(p, line[i-1], line[i])
		if d < best {
			best = d
		}
	}
	return best
}
