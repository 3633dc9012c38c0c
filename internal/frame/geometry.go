package frame

import "math"

// Point is a pixel coordinate.
type Point struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// Polygon is a closed polygon in absolute pixels. The closing edge from the
// last vertex back to the first is implicit.
type Polygon []Point

// Area returns the polygon area in square pixels (shoelace formula).
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	sum := 0.0
	for i := range p {
		j := (i + 1) % len(p)
		sum += float64(p[i].X)*float64(p[j].Y) - float64(p[j].X)*float64(p[i].Y)
	}
	return math.Abs(sum) / 2
}

// ContainsPoint reports whether pt lies inside the polygon (ray casting,
// boundary points count as inside on the lower edge).
func (p Polygon) ContainsPoint(pt Point) bool {
	if len(p) < 3 {
		return false
	}
	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		xi, yi := float64(p[i].X), float64(p[i].Y)
		xj, yj := float64(p[j].X), float64(p[j].Y)
		px, py := float64(pt.X), float64(pt.Y)

		if (yi > py) != (yj > py) &&
			px < (xj-xi)*(py-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Degenerate reports whether the polygon cannot enclose any area. Used by
// config validation to reject bad masks and zones at load time.
func (p Polygon) Degenerate() bool {
	return len(p) < 3 || p.Area() == 0
}
