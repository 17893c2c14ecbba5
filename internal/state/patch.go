package state

import (
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"
)

// Field names of the persisted shape schema.
const (
	FieldID          = "id"
	FieldType        = "type"
	FieldX           = "x"
	FieldY           = "y"
	FieldRotation    = "rotation"
	FieldOpacity     = "opacity"
	FieldZIndex      = "zIndex"
	FieldParentID    = "parentId"
	FieldWidth       = "width"
	FieldHeight      = "height"
	FieldFill        = "fill"
	FieldStroke      = "stroke"
	FieldStrokeWidth = "strokeWidth"
	FieldText        = "text"
	FieldFontSize    = "fontSize"
	FieldColor       = "color"
	FieldTitle       = "title"
	FieldPoints      = "points"
	FieldFrom        = "from"
	FieldTo          = "to"
)

type deleteSentinel struct{}

func (deleteSentinel) String() string { return "<delete>" }

// DeleteField marks an explicit removal inside a Patch. Merge writes only add
// or overwrite, so removing an optional field has to be spelled out.
var DeleteField any = deleteSentinel{}

// IsDelete reports whether v is the DeleteField sentinel.
func IsDelete(v any) bool {
	_, ok := v.(deleteSentinel)
	return ok
}

// Patch maps field names to new values.
type Patch map[string]any

// Keys returns the patch keys in a stable order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns the set fields of a shape keyed by schema name. Common
// fields are always present; type-specific ones only when set.
func (s Shape) Fields() map[string]any {
	f := map[string]any{
		FieldID:       s.ID,
		FieldType:     s.Type,
		FieldX:        s.X,
		FieldY:        s.Y,
		FieldRotation: s.Rotation,
		FieldOpacity:  s.Opacity,
		FieldZIndex:   s.ZIndex,
	}
	setString := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	setFloat := func(k string, v float64) {
		if v != 0 {
			f[k] = v
		}
	}
	setString(FieldParentID, s.ParentID)
	setFloat(FieldWidth, s.Width)
	setFloat(FieldHeight, s.Height)
	setString(FieldFill, s.Fill)
	setString(FieldStroke, s.Stroke)
	setFloat(FieldStrokeWidth, s.StrokeWidth)
	setString(FieldText, s.Text)
	setFloat(FieldFontSize, s.FontSize)
	setString(FieldColor, s.Color)
	setString(FieldTitle, s.Title)
	if len(s.Points) > 0 {
		f[FieldPoints] = s.Points
	}
	if s.From != nil {
		f[FieldFrom] = s.From
	}
	if s.To != nil {
		f[FieldTo] = s.To
	}
	return f
}

// Apply returns a copy of s with the patch applied. The id and type of a
// shape cannot be patched.
func (s Shape) Apply(p Patch) (Shape, error) {
	out := s
	for _, k := range p.Keys() {
		v := p[k]
		del := IsDelete(v)
		var err error
		switch k {
		case FieldID:
			if id, ok := v.(string); !ok || id != s.ID {
				return s, errors.Wrapf(ErrInvalidShape, "shape %s: id is immutable", s.ID)
			}
		case FieldType:
			var t string
			if t, err = stringField(v, del); err == nil {
				out.Type = Kind(t)
			}
		case FieldX:
			out.X, err = floatField(v, del)
		case FieldY:
			out.Y, err = floatField(v, del)
		case FieldRotation:
			out.Rotation, err = floatField(v, del)
		case FieldOpacity:
			if del {
				out.Opacity = 1
			} else {
				out.Opacity, err = floatField(v, false)
			}
		case FieldZIndex:
			var z float64
			z, err = floatField(v, del)
			out.ZIndex = int64(z)
		case FieldParentID:
			out.ParentID, err = stringField(v, del)
		case FieldWidth:
			out.Width, err = floatField(v, del)
		case FieldHeight:
			out.Height, err = floatField(v, del)
		case FieldFill:
			out.Fill, err = stringField(v, del)
		case FieldStroke:
			out.Stroke, err = stringField(v, del)
		case FieldStrokeWidth:
			out.StrokeWidth, err = floatField(v, del)
		case FieldText:
			out.Text, err = stringField(v, del)
		case FieldFontSize:
			out.FontSize, err = floatField(v, del)
		case FieldColor:
			out.Color, err = stringField(v, del)
		case FieldTitle:
			out.Title, err = stringField(v, del)
		case FieldPoints:
			out.Points, err = pointsField(v, del)
		case FieldFrom:
			out.From, err = endpointField(v, del)
		case FieldTo:
			out.To, err = endpointField(v, del)
		default:
			err = errors.Newf("unknown field %q", k)
		}
		if err != nil {
			return s, errors.Mark(errors.Wrapf(err, "shape %s: field %q", s.ID, k), ErrInvalidShape)
		}
	}
	return out, nil
}

func floatField(v any, del bool) (float64, error) {
	if del {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, errors.Newf("expected number, got %T", v)
}

func stringField(v any, del bool) (string, error) {
	if del {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case Kind:
		return string(s), nil
	}
	return "", errors.Newf("expected string, got %T", v)
}

func pointsField(v any, del bool) ([]Point, error) {
	if del {
		return nil, nil
	}
	pts, ok := v.([]Point)
	if !ok {
		return nil, errors.Newf("expected points, got %T", v)
	}
	out := make([]Point, len(pts))
	copy(out, pts)
	return out, nil
}

func endpointField(v any, del bool) (*Endpoint, error) {
	if del {
		return nil, nil
	}
	switch e := v.(type) {
	case *Endpoint:
		if e == nil {
			return nil, nil
		}
		cp := *e
		return &cp, nil
	case Endpoint:
		return &e, nil
	}
	return nil, errors.Newf("expected endpoint, got %T", v)
}
