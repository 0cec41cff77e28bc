package canvas

import (
	"math"

	"github.com/gosuda/inkboard/internal/domain"
)

// HitTolerance is the distance in canvas units within which a point counts as
// touching a stroke.
const HitTolerance = 6.0

// HitTest returns the topmost shape under p. Later shapes paint over earlier
// ones, so the scan runs from the end of the list.
func (c *Canvas) HitTest(p domain.Point) (domain.Shape, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.shapes) - 1; i >= 0; i-- {
		if Hit(c.shapes[i], p, HitTolerance) {
			return c.shapes[i], true
		}
	}
	return domain.Shape{}, false
}

// Hit reports whether p lies within tol of the shape. Rectangles, circles,
// lines and pencil strokes are matched on their outline; text on its
// bounding box.
func Hit(s domain.Shape, p domain.Point, tol float64) bool {
	switch g := s.Geometry.(type) {
	case domain.Rectangle:
		x0, y0, x1, y1 := box(g.X, g.Y, g.Width, g.Height)
		edges := [4][4]float64{
			{x0, y0, x1, y0},
			{x1, y0, x1, y1},
			{x1, y1, x0, y1},
			{x0, y1, x0, y0},
		}
		for _, e := range edges {
			if segmentDistance(p, e[0], e[1], e[2], e[3]) <= tol {
				return true
			}
		}
		return false
	case domain.Circle:
		d := math.Hypot(p.X-g.CenterX, p.Y-g.CenterY)
		return math.Abs(d-g.Radius) <= tol
	case domain.Line:
		return segmentDistance(p, g.X1, g.Y1, g.X2, g.Y2) <= tol
	case domain.Pencil:
		if len(g.Points) == 1 {
			return math.Hypot(p.X-g.Points[0].X, p.Y-g.Points[0].Y) <= tol
		}
		for i := 1; i < len(g.Points); i++ {
			a, b := g.Points[i-1], g.Points[i]
			if segmentDistance(p, a.X, a.Y, b.X, b.Y) <= tol {
				return true
			}
		}
		return false
	case domain.Text:
		x0, y0, x1, y1 := box(g.X, g.Y, g.Width, g.Height)
		return p.X >= x0-tol && p.X <= x1+tol && p.Y >= y0-tol && p.Y <= y1+tol
	default:
		return false
	}
}

// box normalizes a rectangle that may have been drawn with negative extent.
func box(x, y, w, h float64) (x0, y0, x1, y1 float64) {
	x0, x1 = x, x+w
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	y0, y1 = y, y+h
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	return x0, y0, x1, y1
}

func segmentDistance(p domain.Point, ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-ax, p.Y-ay)
	}
	t := ((p.X-ax)*dx + (p.Y-ay)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(ax+t*dx), p.Y-(ay+t*dy))
}
