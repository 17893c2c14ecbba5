package diff

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/state"
)

func randomShape(r *rand.Rand, id string) state.Shape {
	kinds := []state.Kind{state.KindRectangle, state.KindEllipse, state.KindText, state.KindLine, state.KindConnector}
	s := state.Shape{
		ID:       id,
		Type:     kinds[r.Intn(len(kinds))],
		X:        float64(r.Intn(100)),
		Y:        float64(r.Intn(100)),
		Rotation: float64(r.Intn(4)) * 90,
		Opacity:  float64(r.Intn(2)+1) / 2,
		ZIndex:   int64(r.Intn(10)),
	}
	if r.Intn(2) == 0 {
		s.Fill = "red"
	}
	switch s.Type {
	case state.KindLine:
		s.Points = []state.Point{{}, {X: float64(r.Intn(5))}}
	case state.KindConnector:
		s.From = &state.Endpoint{Point: &state.Point{X: float64(r.Intn(5))}}
		s.To = &state.Endpoint{Point: &state.Point{Y: 1}}
	case state.KindText:
		s.Text = fmt.Sprintf("t%d", r.Intn(3))
		s.Width, s.Height = 10, 10
	default:
		s.Width, s.Height = float64(r.Intn(3)+1), 4
	}
	return s
}

func randomSnapshot(r *rand.Rand) *state.Snapshot {
	var shapes []state.Shape
	for i := 0; i < 12; i++ {
		if r.Intn(3) > 0 {
			shapes = append(shapes, randomShape(r, fmt.Sprintf("s%d", i)))
		}
	}
	return state.NewSnapshot(shapes)
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a, b := randomSnapshot(r), randomSnapshot(r)
		d := Compute(a, b)
		got, err := Apply(a, d)
		require.NoError(t, err)
		assert.True(t, Equal(got, b), "iteration %d", i)
	}
}

func TestIdenticalSnapshotFastPath(t *testing.T) {
	s := state.NewSnapshot([]state.Shape{state.NewShape(state.KindRectangle, 1, 1)})
	assert.True(t, Compute(s, s).Empty())
}

func TestReallocatedEqualShapesAreNotModified(t *testing.T) {
	conn := state.Shape{ID: "c", Type: state.KindConnector, Opacity: 1,
		From: &state.Endpoint{Point: &state.Point{X: 1}}, To: &state.Endpoint{ShapeID: "x"}}
	a := state.NewSnapshot([]state.Shape{conn})

	clone := conn
	clone.From = &state.Endpoint{Point: &state.Point{X: 1}}
	clone.To = &state.Endpoint{ShapeID: "x"}
	b := state.NewSnapshot([]state.Shape{clone})

	assert.True(t, Compute(a, b).Empty())
}

func TestPatchCarriesOnlyChangedFields(t *testing.T) {
	before := state.Shape{ID: "a", Type: state.KindRectangle, Opacity: 1, Width: 5, Height: 5, ParentID: "f", Fill: "red"}
	after := before
	after.X = 9
	after.ParentID = ""

	d := Compute(state.NewSnapshot([]state.Shape{before}), state.NewSnapshot([]state.Shape{after}))
	require.Len(t, d.Modified, 1)
	p := d.Modified[0].Patch
	assert.Len(t, p, 2)
	assert.Equal(t, 9.0, p[state.FieldX])
	assert.True(t, state.IsDelete(p[state.FieldParentID]))
}

func TestAddedAndDeleted(t *testing.T) {
	a := state.NewSnapshot([]state.Shape{{ID: "x", Type: state.KindEllipse, Opacity: 1}})
	b := state.NewSnapshot([]state.Shape{{ID: "y", Type: state.KindEllipse, Opacity: 1}})
	d := Compute(a, b)
	assert.Equal(t, []string{"x"}, d.Deleted)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "y", d.Added[0].ID)
	assert.Equal(t, 2, d.Len())
}
