// Package export renders a document snapshot to PDF.
package export

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jung-kurt/gofpdf"

	"boardsync/internal/state"
)

const (
	pageW  = 297.0
	pageH  = 210.0
	margin = 10.0
)

type rgb struct{ r, g, b int }

var named = map[string]rgb{
	"black":  {0, 0, 0},
	"white":  {255, 255, 255},
	"red":    {229, 57, 53},
	"green":  {67, 160, 71},
	"blue":   {30, 136, 229},
	"yellow": {253, 216, 53},
	"orange": {251, 140, 0},
	"purple": {142, 36, 170},
	"gray":   {158, 158, 158},
	"grey":   {158, 158, 158},
}

// parseColor understands #rgb, #rrggbb and a few names.
func parseColor(s string) (rgb, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := named[s]; ok {
		return c, true
	}
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return rgb{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return rgb{}, false
	}
	return rgb{int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)}, true
}

// view maps canvas coordinates onto the page, fitting the document extent.
type view struct {
	scale, dx, dy float64
}

func fit(snap *state.Snapshot) view {
	ext, ok := snap.Extent()
	if !ok || ext.Width == 0 && ext.Height == 0 {
		return view{scale: 1, dx: margin, dy: margin}
	}
	sx := (pageW - 2*margin) / math.Max(ext.Width, 1)
	sy := (pageH - 2*margin) / math.Max(ext.Height, 1)
	s := math.Min(sx, sy)
	return view{scale: s, dx: margin - ext.X*s, dy: margin - ext.Y*s}
}

func (v view) pt(p state.Point) (float64, float64) {
	return p.X*v.scale + v.dx, p.Y*v.scale + v.dy
}

// PDF writes one landscape A4 page showing every shape in z order.
func PDF(snap *state.Snapshot, path, title string) error {
	if snap == nil {
		snap = state.Empty()
	}
	p := gofpdf.New("L", "mm", "A4", "")
	p.SetTitle(title, true)
	p.SetCreator("boardsync", true)
	p.AddPage()
	p.SetFont("Helvetica", "", 10)

	v := fit(snap)
	for _, sh := range snap.Ordered() {
		draw(p, v, snap, sh)
	}
	if title != "" {
		p.SetTextColor(120, 120, 120)
		p.SetFont("Helvetica", "I", 8)
		p.Text(margin, pageH-4, title)
	}
	if err := p.OutputFileAndClose(path); err != nil {
		return errors.Wrapf(err, "write pdf %s", path)
	}
	return nil
}

func style(p *gofpdf.Fpdf, v view, sh state.Shape) string {
	stroke, ok := parseColor(sh.Stroke)
	if !ok {
		stroke = rgb{0, 0, 0}
	}
	p.SetDrawColor(stroke.r, stroke.g, stroke.b)
	w := sh.StrokeWidth
	if w <= 0 {
		w = 1
	}
	p.SetLineWidth(math.Max(w*v.scale*0.5, 0.1))
	p.SetAlpha(sh.Opacity, "Normal")

	fill := sh.Fill
	if sh.Type == state.KindSticky && fill == "" {
		fill = sh.Color
		if fill == "" {
			fill = "yellow"
		}
	}
	if c, ok := parseColor(fill); ok {
		p.SetFillColor(c.r, c.g, c.b)
		return "FD"
	}
	return "D"
}

func draw(p *gofpdf.Fpdf, v view, snap *state.Snapshot, sh state.Shape) {
	mode := style(p, v, sh)
	x, y := v.pt(state.Point{X: sh.X, Y: sh.Y})
	w, h := sh.Width*v.scale, sh.Height*v.scale

	switch sh.Type {
	case state.KindRectangle, state.KindSticky:
		p.Rect(x, y, w, h, mode)
		label(p, v, sh, x, y, w)
	case state.KindEllipse:
		p.Ellipse(x+w/2, y+h/2, w/2, h/2, sh.Rotation, mode)
	case state.KindText:
		label(p, v, sh, x, y, w)
	case state.KindFrame:
		p.SetDashPattern([]float64{2, 1}, 0)
		p.Rect(x, y, w, h, "D")
		p.SetDashPattern(nil, 0)
		if sh.Title != "" {
			p.SetTextColor(60, 60, 60)
			p.SetFont("Helvetica", "B", 9)
			p.Text(x, y-1, sh.Title)
		}
	case state.KindLine:
		for i := 1; i < len(sh.Points); i++ {
			x0, y0 := v.pt(state.Point{X: sh.X + sh.Points[i-1].X, Y: sh.Y + sh.Points[i-1].Y})
			x1, y1 := v.pt(state.Point{X: sh.X + sh.Points[i].X, Y: sh.Y + sh.Points[i].Y})
			p.Line(x0, y0, x1, y1)
		}
	case state.KindConnector:
		from, ok1 := endpoint(snap, sh.From)
		to, ok2 := endpoint(snap, sh.To)
		if ok1 && ok2 {
			x0, y0 := v.pt(from)
			x1, y1 := v.pt(to)
			p.Line(x0, y0, x1, y1)
		}
	}
	p.SetAlpha(1, "Normal")
}

func endpoint(snap *state.Snapshot, e *state.Endpoint) (state.Point, bool) {
	switch {
	case e == nil:
		return state.Point{}, false
	case e.Point != nil:
		return *e.Point, true
	default:
		target, ok := snap.Get(e.ShapeID)
		if !ok {
			return state.Point{}, false
		}
		return target.Center(), true
	}
}

func label(p *gofpdf.Fpdf, v view, sh state.Shape, x, y, w float64) {
	if sh.Text == "" {
		return
	}
	size := sh.FontSize
	if size <= 0 {
		size = 14
	}
	pt := math.Max(size*v.scale*2.8, 4)
	p.SetFont("Helvetica", "", pt)
	p.SetTextColor(20, 20, 20)
	p.SetXY(x, y)
	if w <= 0 {
		w = p.GetStringWidth(sh.Text) + 2
	}
	p.MultiCell(w, pt*0.4, sh.Text, "", "L", false)
}
