package captcha

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// ErrMalformedCoordinates is returned when no coordinate pair can be read
// from a solver answer.
var ErrMalformedCoordinates = errors.New("captcha: malformed coordinates")

// maxCoordinate bounds accepted values to something a screen could show.
const maxCoordinate = 20000

const number = `(-?\d+(?:\.\d+)?)`

var (
	namedX   = regexp.MustCompile(`(?i)\bx\s*[=:]\s*"?` + number)
	namedY   = regexp.MustCompile(`(?i)\by\s*[=:]\s*"?` + number)
	barePair = regexp.MustCompile(`^\(?\s*` + number + `\s*[,;\s]\s*` + number + `\s*\)?$`)
	inParens = regexp.MustCompile(`\(\s*` + number + `\s*,\s*` + number + `\s*\)`)
	// \x60 is a backtick; model answers often arrive in a markdown fence.
	fenced = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")
)

// ParseCoordinates reads one point from a solver answer. Accepted forms:
//
//	x=10,y=20
//	10,20  or  (10, 20)
//	coordinates:x=10,y=20;x=30,y=40   (first pair wins, optional "OK|")
//	{"x":10,"y":20}  or  [{"x":"10","y":"20"}]
//	free text containing x=.. and y=.. or a parenthesized pair
//
// Any of these may be wrapped in a markdown code fence.
func ParseCoordinates(answer string) (schemas.Point, error) {
	s := strings.TrimSpace(answer)
	if m := fenced.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" {
		return schemas.Point{}, fmt.Errorf("%w: empty answer", ErrMalformedCoordinates)
	}

	if s[0] == '{' || s[0] == '[' {
		return parseJSONPoint(s)
	}

	s = strings.TrimPrefix(s, "OK|")
	if i := strings.Index(strings.ToLower(s), "coordinates:"); i >= 0 {
		s = s[i+len("coordinates:"):]
		if j := strings.IndexByte(s, ';'); j >= 0 {
			s = s[:j]
		}
	}

	if m := barePair.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
		return point(m[1], m[2])
	}
	if mx, my := namedX.FindStringSubmatch(s), namedY.FindStringSubmatch(s); mx != nil && my != nil {
		return point(mx[1], my[1])
	}
	if m := inParens.FindStringSubmatch(s); m != nil {
		return point(m[1], m[2])
	}
	return schemas.Point{}, fmt.Errorf("%w: %q", ErrMalformedCoordinates, truncate(answer, 64))
}

func parseJSONPoint(s string) (schemas.Point, error) {
	var v interface{}
	if err := json.UnmarshalFromString(s, &v); err != nil {
		return schemas.Point{}, fmt.Errorf("%w: %v", ErrMalformedCoordinates, err)
	}
	if arr, ok := v.([]interface{}); ok {
		if len(arr) == 0 {
			return schemas.Point{}, fmt.Errorf("%w: empty list", ErrMalformedCoordinates)
		}
		v = arr[0]
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return schemas.Point{}, fmt.Errorf("%w: not an object", ErrMalformedCoordinates)
	}
	x, okX := jsonNumber(obj, "x")
	y, okY := jsonNumber(obj, "y")
	if !okX || !okY {
		return schemas.Point{}, fmt.Errorf("%w: missing x or y", ErrMalformedCoordinates)
	}
	return point(x, y)
}

// jsonNumber reads a key case-insensitively, accepting numbers and numeric
// strings.
func jsonNumber(obj map[string]interface{}, key string) (string, bool) {
	for k, v := range obj {
		if !strings.EqualFold(k, key) {
			continue
		}
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), true
		case string:
			return strings.TrimSpace(n), true
		}
	}
	return "", false
}

func point(xs, ys string) (schemas.Point, error) {
	x, errX := strconv.ParseFloat(xs, 64)
	y, errY := strconv.ParseFloat(ys, 64)
	if errX != nil || errY != nil {
		return schemas.Point{}, fmt.Errorf("%w: non-numeric pair %q,%q", ErrMalformedCoordinates, xs, ys)
	}
	for _, v := range []float64{x, y} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > maxCoordinate {
			return schemas.Point{}, fmt.Errorf("%w: out of range pair %v,%v", ErrMalformedCoordinates, x, y)
		}
	}
	return schemas.Point{X: x, Y: y}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
