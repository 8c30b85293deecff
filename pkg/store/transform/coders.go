package transform

import (
	"encoding/base64"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sukryu/pStore/pkg/errors"
)

// ISOLayout is the REST date format, always UTC with millisecond precision.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// EncodeDate renders t as a REST date.
func EncodeDate(t time.Time) map[string]interface{} {
	return map[string]interface{}{"__type": "Date", "iso": t.UTC().Format(ISOLayout)}
}

func ISO(t time.Time) string { return t.UTC().Format(ISOLayout) }

// ParseISO accepts REST dates with or without fractional seconds.
func ParseISO(iso string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return time.Time{}, errors.ErrInvalidJSON.Newf("invalid date: %s", iso)
	}
	return t.UTC(), nil
}

func isType(v map[string]interface{}, t string) bool {
	typ, _ := v["__type"].(string)
	return typ == t
}

func dateToStorage(v map[string]interface{}) (time.Time, error) {
	iso, _ := v["iso"].(string)
	return ParseISO(iso)
}

func bytesToStorage(v map[string]interface{}) (primitive.Binary, error) {
	b64, _ := v["base64"].(string)
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return primitive.Binary{}, errors.ErrInvalidJSON.Newf("invalid base64: %v", err)
	}
	return primitive.Binary{Data: data}, nil
}

func bytesToREST(b primitive.Binary) map[string]interface{} {
	return map[string]interface{}{"__type": "Bytes", "base64": base64.StdEncoding.EncodeToString(b.Data)}
}

func geoPointToStorage(v map[string]interface{}) ([]interface{}, error) {
	lat, ok1 := toFloat(v["latitude"])
	lng, ok2 := toFloat(v["longitude"])
	if !ok1 || !ok2 {
		return nil, errors.ErrInvalidJSON.New("invalid GeoPoint")
	}
	return []interface{}{lng, lat}, nil
}

func isGeoPointStorage(v interface{}) bool {
	arr, ok := asArray(v)
	if !ok || len(arr) != 2 {
		return false
	}
	_, ok1 := toFloat(arr[0])
	_, ok2 := toFloat(arr[1])
	return ok1 && ok2
}

func geoPointToREST(v interface{}) map[string]interface{} {
	arr, _ := asArray(v)
	lng, _ := toFloat(arr[0])
	lat, _ := toFloat(arr[1])
	return map[string]interface{}{"__type": "GeoPoint", "latitude": lat, "longitude": lng}
}

// Polygons are stored as GeoJSON with [lng, lat] points.
func polygonToStorage(v map[string]interface{}) (map[string]interface{}, error) {
	coords, ok := asArray(v["coordinates"])
	if !ok {
		return nil, errors.ErrInvalidJSON.New("invalid Polygon")
	}
	ring := make([]interface{}, 0, len(coords))
	for _, c := range coords {
		point, ok := asArray(c)
		if !ok || len(point) != 2 {
			return nil, errors.ErrInvalidJSON.New("invalid Polygon point")
		}
		ring = append(ring, []interface{}{point[1], point[0]})
	}
	return map[string]interface{}{"type": "Polygon", "coordinates": []interface{}{ring}}, nil
}

func isPolygonStorage(v interface{}) bool {
	doc, ok := asDoc(v)
	if !ok {
		return false
	}
	if typ, _ := doc["type"].(string); typ != "Polygon" {
		return false
	}
	rings, ok := asArray(doc["coordinates"])
	if !ok || len(rings) == 0 {
		return false
	}
	ring, ok := asArray(rings[0])
	if !ok {
		return false
	}
	for _, p := range ring {
		if !isGeoPointStorage(p) {
			return false
		}
	}
	return true
}

func polygonToREST(v interface{}) map[string]interface{} {
	doc, _ := asDoc(v)
	rings, _ := asArray(doc["coordinates"])
	ring, _ := asArray(rings[0])
	coords := make([]interface{}, 0, len(ring))
	for _, p := range ring {
		point, _ := asArray(p)
		coords = append(coords, []interface{}{normalizeNumber(point[1]), normalizeNumber(point[0])})
	}
	return map[string]interface{}{"__type": "Polygon", "coordinates": coords}
}

func fileToREST(name string) map[string]interface{} {
	return map[string]interface{}{"__type": "File", "name": name}
}

// asDoc accepts the map shapes REST callers and the bson decoder produce.
func asDoc(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	case bson.D:
		return m.Map(), true
	}
	return nil, false
}

// asArray accepts any slice except raw bytes.
func asArray(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case []interface{}:
		return a, true
	case bson.A:
		return a, true
	case []byte, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func normalizeNumber(v interface{}) interface{} {
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}
