package geom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParsePoint parses "x,y"
func ParsePoint(s string) (Point, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("Invalid point '%v'", s)
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil {
		return Point{}, fmt.Errorf("Invalid point '%v'", s)
	}
	return Point{X: x, Y: y}, nil
}

// ParsePoints parses a whitespace separated list of "x,y" pairs.
// This is the format that ZoneMinder uses for zone coordinates, eg "0,0 639,0 639,479 0,479".
func ParsePoints(s string) ([]Point, error) {
	fields := strings.Fields(s)
	points := make([]Point, 0, len(fields))
	for _, f := range fields {
		p, err := ParsePoint(f)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// ParsePolygon parses either ZoneMinder's "x,y x,y x,y" format, or a flat
// comma separated list "x1,y1,x2,y2,x3,y3".
func ParsePolygon(s string) (Polygon, error) {
	s = strings.TrimSpace(s)
	var points []Point
	if strings.ContainsAny(s, " \t\n") {
		p, err := ParsePoints(s)
		if err != nil {
			return nil, err
		}
		points = p
	} else {
		nums := strings.Split(strings.TrimSuffix(s, ","), ",")
		if len(nums)%2 != 0 {
			return nil, fmt.Errorf("Invalid polygon '%v': odd number of coordinates", s)
		}
		for i := 0; i < len(nums); i += 2 {
			p, err := ParsePoint(nums[i] + "," + nums[i+1])
			if err != nil {
				return nil, fmt.Errorf("Invalid polygon '%v': %w", s, err)
			}
			points = append(points, p)
		}
	}
	if len(points) < 3 {
		return nil, fmt.Errorf("Invalid polygon '%v': need at least 3 vertices", s)
	}
	return Polygon(points), nil
}

// UnmarshalJSON accepts either {"x":1,"y":2} or "1,2"
func (p *Point) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParsePoint(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	type rawPoint Point
	return json.Unmarshal(b, (*rawPoint)(p))
}

// UnmarshalJSON accepts either a list of points, or a string in one of the formats accepted by ParsePolygon
func (p *Polygon) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParsePolygon(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	var points []Point
	if err := json.Unmarshal(b, &points); err != nil {
		return err
	}
	*p = points
	return nil
}
