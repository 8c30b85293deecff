package query

import (
	"github.com/golang/geo/s2"
)

// Geo points are stored as [longitude, latitude] pairs.
func toLatLng(v interface{}) (s2.LatLng, bool) {
	pair, ok := asArray(v)
	if !ok || len(pair) != 2 {
		return s2.LatLng{}, false
	}
	lng, ok1 := toFloat(pair[0])
	lat, ok2 := toFloat(pair[1])
	if !ok1 || !ok2 {
		return s2.LatLng{}, false
	}
	return s2.LatLngFromDegrees(lat, lng), true
}

// pointValues extracts the points among the values found at a path.
func pointValues(values []interface{}) []s2.LatLng {
	var out []s2.LatLng
	for _, v := range values {
		if ll, ok := toLatLng(v); ok {
			out = append(out, ll)
		}
	}
	return out
}

func matchNear(values []interface{}, ops map[string]interface{}) (bool, error) {
	center, ok := toLatLng(ops["$nearSphere"])
	if !ok {
		return false, Error.New("bad $nearSphere value")
	}
	maxDistance, limited := toFloat(ops["$maxDistance"])
	for _, ll := range pointValues(values) {
		if !limited || center.Distance(ll).Radians() <= maxDistance {
			return true, nil
		}
	}
	return false, nil
}

func matchWithin(values []interface{}, arg interface{}) (bool, error) {
	shape, ok := asDoc(arg)
	if !ok {
		return false, Error.New("bad $within value")
	}
	var contains func(s2.LatLng) bool
	switch {
	case shape["$box"] != nil:
		corners, ok := asArray(shape["$box"])
		if !ok || len(corners) != 2 {
			return false, Error.New("bad $box value")
		}
		a, ok1 := toLatLng(corners[0])
		b, ok2 := toLatLng(corners[1])
		if !ok1 || !ok2 {
			return false, Error.New("bad $box value")
		}
		rect := s2.RectFromLatLng(a).AddPoint(b)
		contains = rect.ContainsLatLng
	case shape["$centerSphere"] != nil:
		spec, ok := asArray(shape["$centerSphere"])
		if !ok || len(spec) != 2 {
			return false, Error.New("bad $centerSphere value")
		}
		center, ok1 := toLatLng(spec[0])
		radius, ok2 := toFloat(spec[1])
		if !ok1 || !ok2 {
			return false, Error.New("bad $centerSphere value")
		}
		contains = func(ll s2.LatLng) bool { return center.Distance(ll).Radians() <= radius }
	case shape["$polygon"] != nil:
		vertices, ok := asArray(shape["$polygon"])
		if !ok || len(vertices) < 3 {
			return false, Error.New("bad $polygon value")
		}
		points := make([]s2.Point, 0, len(vertices))
		for _, v := range vertices {
			ll, ok := toLatLng(v)
			if !ok {
				return false, Error.New("bad $polygon value")
			}
			points = append(points, s2.PointFromLatLng(ll))
		}
		loop := s2.LoopFromPoints(points)
		loop.Normalize()
		contains = func(ll s2.LatLng) bool { return loop.ContainsPoint(s2.PointFromLatLng(ll)) }
	default:
		return false, Error.New("unsupported $within shape")
	}
	for _, ll := range pointValues(values) {
		if contains(ll) {
			return true, nil
		}
	}
	return false, nil
}

// nearField finds the path and center of a top-level $nearSphere clause.
func nearField(filter map[string]interface{}) (string, s2.LatLng, bool) {
	for key, cond := range filter {
		ops, ok := isOperatorDoc(cond)
		if !ok {
			continue
		}
		if center, ok := toLatLng(ops["$nearSphere"]); ok {
			return key, center, true
		}
	}
	return "", s2.LatLng{}, false
}

func distanceTo(doc map[string]interface{}, path string, center s2.LatLng) float64 {
	values, _ := lookup(doc, path)
	best := -1.0
	for _, ll := range pointValues(values) {
		d := center.Distance(ll).Radians()
		if best < 0 || d < best {
			best = d
		}
	}
	if best < 0 {
		return 4 // farther than any point on the sphere
	}
	return best
}
