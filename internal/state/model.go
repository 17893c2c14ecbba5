package state

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrInvalidShape = errors.New("invalid shape")
	ErrDuplicateID  = errors.New("duplicate shape id")
	ErrUnknownShape = errors.New("unknown shape")
)

type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindEllipse   Kind = "ellipse"
	KindText      Kind = "text"
	KindSticky    Kind = "sticky"
	KindFrame     Kind = "frame"
	KindLine      Kind = "line"
	KindConnector Kind = "connector"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRectangle, KindEllipse, KindText, KindSticky, KindFrame, KindLine, KindConnector:
		return true
	}
	return false
}

// Boxed reports whether the kind has a width/height box.
func (k Kind) Boxed() bool {
	switch k {
	case KindRectangle, KindEllipse, KindText, KindSticky, KindFrame:
		return true
	}
	return false
}

type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Endpoint is one end of a connector: attached to a shape or free-standing.
type Endpoint struct {
	ShapeID string `json:"shapeId,omitempty"`
	Point   *Point `json:"point,omitempty"`
}

func (e *Endpoint) valid() bool {
	if e == nil {
		return false
	}
	return (e.ShapeID == "") != (e.Point == nil)
}

// Shape is a single canvas record. Shapes are values: every change produces
// a new record and slices/pointers inside a Shape are never mutated in place.
type Shape struct {
	ID       string  `json:"id"`
	Type     Kind    `json:"type"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Opacity  float64 `json:"opacity"`
	ZIndex   int64   `json:"zIndex"`
	ParentID string  `json:"parentId,omitempty"`

	Width       float64   `json:"width,omitempty"`
	Height      float64   `json:"height,omitempty"`
	Fill        string    `json:"fill,omitempty"`
	Stroke      string    `json:"stroke,omitempty"`
	StrokeWidth float64   `json:"strokeWidth,omitempty"`
	Text        string    `json:"text,omitempty"`
	FontSize    float64   `json:"fontSize,omitempty"`
	Color       string    `json:"color,omitempty"`
	Title       string    `json:"title,omitempty"`
	Points      []Point   `json:"points,omitempty"`
	From        *Endpoint `json:"from,omitempty"`
	To          *Endpoint `json:"to,omitempty"`
}

// NewID returns a fresh shape id.
func NewID() string {
	return uuid.NewString()
}

// NewShape returns a shape of the given kind with a fresh id and full opacity.
func NewShape(kind Kind, x, y float64) Shape {
	return Shape{ID: NewID(), Type: kind, X: x, Y: y, Opacity: 1}
}

// Validate performs the basic structural checks applied to both local
// mutations and incoming change events.
func (s Shape) Validate() error {
	if s.ID == "" {
		return errors.Wrap(ErrInvalidShape, "empty id")
	}
	if !s.Type.Valid() {
		return errors.Wrapf(ErrInvalidShape, "shape %s: unknown type %q", s.ID, s.Type)
	}
	for _, f := range []float64{s.X, s.Y, s.Rotation, s.Width, s.Height} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Wrapf(ErrInvalidShape, "shape %s: non-finite geometry", s.ID)
		}
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return errors.Wrapf(ErrInvalidShape, "shape %s: opacity %v out of range", s.ID, s.Opacity)
	}
	if s.Width < 0 || s.Height < 0 {
		return errors.Wrapf(ErrInvalidShape, "shape %s: negative size", s.ID)
	}
	if s.ParentID == s.ID {
		return errors.Wrapf(ErrInvalidShape, "shape %s: parent of itself", s.ID)
	}
	switch s.Type {
	case KindLine:
		if len(s.Points) < 2 {
			return errors.Wrapf(ErrInvalidShape, "line %s: needs two points", s.ID)
		}
	case KindConnector:
		if !s.From.valid() || !s.To.valid() {
			return errors.Wrapf(ErrInvalidShape, "connector %s: each endpoint needs a shape or a point", s.ID)
		}
	}
	return nil
}

// References lists the ids this shape points at (parent and connector ends).
func (s Shape) References() []string {
	var refs []string
	if s.ParentID != "" {
		refs = append(refs, s.ParentID)
	}
	if s.From != nil && s.From.ShapeID != "" {
		refs = append(refs, s.From.ShapeID)
	}
	if s.To != nil && s.To.ShapeID != "" {
		refs = append(refs, s.To.ShapeID)
	}
	return refs
}

// Center returns the middle of the shape's box, or its origin when unboxed.
func (s Shape) Center() Point {
	if s.Type.Boxed() {
		return Point{X: s.X + s.Width/2, Y: s.Y + s.Height/2}
	}
	return Point{X: s.X, Y: s.Y}
}
