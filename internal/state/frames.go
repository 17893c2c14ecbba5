package state

// Bounds is an axis-aligned rectangle on the canvas.
type Bounds struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// BoundsOf returns the box a shape occupies. Lines and connectors with free
// endpoints use the bounding box of their points.
func BoundsOf(s Shape) Bounds {
	if s.Type.Boxed() {
		return Bounds{X: s.X, Y: s.Y, Width: s.Width, Height: s.Height}
	}
	var pts []Point
	switch s.Type {
	case KindLine:
		for _, p := range s.Points {
			pts = append(pts, Point{X: s.X + p.X, Y: s.Y + p.Y})
		}
	case KindConnector:
		for _, e := range []*Endpoint{s.From, s.To} {
			if e != nil && e.Point != nil {
				pts = append(pts, *e.Point)
			}
		}
	}
	if len(pts) == 0 {
		return Bounds{X: s.X, Y: s.Y}
	}
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := pts[0].X, pts[0].Y
	for _, p := range pts[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return Bounds{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

func (b Bounds) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.Width &&
		p.Y >= b.Y && p.Y <= b.Y+b.Height
}

func (b Bounds) Overlaps(o Bounds) bool {
	return !(b.X+b.Width < o.X || o.X+o.Width < b.X ||
		b.Y+b.Height < o.Y || o.Y+o.Height < b.Y)
}

// Union returns the smallest box containing both.
func (b Bounds) Union(o Bounds) Bounds {
	minX, minY := b.X, b.Y
	if o.X < minX {
		minX = o.X
	}
	if o.Y < minY {
		minY = o.Y
	}
	maxX, maxY := b.X+b.Width, b.Y+b.Height
	if o.X+o.Width > maxX {
		maxX = o.X + o.Width
	}
	if o.Y+o.Height > maxY {
		maxY = o.Y + o.Height
	}
	return Bounds{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Extent returns the union of all shape bounds, and false for an empty snapshot.
func (s *Snapshot) Extent() (Bounds, bool) {
	var out Bounds
	first := true
	s.Each(func(sh Shape) {
		b := BoundsOf(sh)
		if first {
			out, first = b, false
			return
		}
		out = out.Union(b)
	})
	return out, !first
}

// frameAt returns the id of the top-most frame containing p, skipping the
// shape identified by exclude.
func frameAt(b *Builder, p Point, exclude string) string {
	var (
		best  string
		bestZ int64
	)
	b.Each(func(sh Shape) {
		if sh.Type != KindFrame || sh.ID == exclude {
			return
		}
		if !BoundsOf(sh).Contains(p) {
			return
		}
		if best == "" || sh.ZIndex >= bestZ {
			best, bestZ = sh.ID, sh.ZIndex
		}
	})
	return best
}

// Children returns ids of shapes whose parent is frameID.
func (s *Snapshot) Children(frameID string) []string {
	var ids []string
	s.Each(func(sh Shape) {
		if sh.ParentID == frameID {
			ids = append(ids, sh.ID)
		}
	})
	return ids
}
