package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/state"
)

func TestParseColor(t *testing.T) {
	c, ok := parseColor("#ff8000")
	require.True(t, ok)
	assert.Equal(t, rgb{255, 128, 0}, c)

	c, ok = parseColor("#0f0")
	require.True(t, ok)
	assert.Equal(t, rgb{0, 255, 0}, c)

	_, ok = parseColor("Yellow")
	assert.True(t, ok)
	_, ok = parseColor("chartreuse-ish")
	assert.False(t, ok)
}

func TestPDFWritesEveryKind(t *testing.T) {
	shapes := []state.Shape{
		{ID: "f", Type: state.KindFrame, Opacity: 1, Width: 400, Height: 300, Title: "Sprint"},
		{ID: "r", Type: state.KindRectangle, Opacity: 1, X: 10, Y: 10, Width: 50, Height: 40, Fill: "#1e88e5", ParentID: "f"},
		{ID: "e", Type: state.KindEllipse, Opacity: 0.5, X: 100, Y: 10, Width: 40, Height: 40},
		{ID: "t", Type: state.KindText, Opacity: 1, X: 10, Y: 100, Text: "hello", FontSize: 12},
		{ID: "s", Type: state.KindSticky, Opacity: 1, X: 200, Y: 100, Width: 80, Height: 80, Text: "todo", Color: "yellow"},
		{ID: "l", Type: state.KindLine, Opacity: 1, Points: []state.Point{{X: 0, Y: 0}, {X: 50, Y: 80}}},
		{ID: "c", Type: state.KindConnector, Opacity: 1,
			From: &state.Endpoint{ShapeID: "r"}, To: &state.Endpoint{Point: &state.Point{X: 300, Y: 250}}},
	}
	out := filepath.Join(t.TempDir(), "board.pdf")
	require.NoError(t, PDF(state.NewSnapshot(shapes), out, "roadmap"))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestPDFEmptyDocument(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, PDF(nil, out, ""))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
