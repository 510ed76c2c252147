package visualize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Table is the tabular payload a chart renders from. Values are opaque;
// the renderer coerces what it can to numbers and skips the rest.
type Table struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

type seriesPoints struct {
	Name   string      `json:"name"`
	Labels []string    `json:"labels"`
	Values [][]float64 `json:"points"`
}

// figureDoc is the canonical serialized form of a rendered chart. Field
// order is fixed, so marshaling is deterministic for a given input.
type figureDoc struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	XAxisTitle  string         `json:"xaxis_title,omitempty"`
	YAxisTitle  string         `json:"yaxis_title,omitempty"`
	Palette     []string       `json:"palette"`
	ShowLegend  bool           `json:"show_legend"`
	Series      []seriesPoints `json:"series"`
	Annotations []Annotation   `json:"annotations,omitempty"`
	Degraded    bool           `json:"degraded,omitempty"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
}

const (
	figWidth  = 800
	figHeight = 450
	marginL   = 60
	marginR   = 20
	marginT   = 60
	marginB   = 40
)

var (
	defaultPalette   = []string{"#4e79a7", "#f28e2b", "#59a045", "#e15759", "#76b7b2"}
	corporatePalette = []string{"#0b3d91", "#6b7280", "#b91c1c", "#0f766e", "#92400e"}
)

// Render draws spec against table. It returns the canonical serialized
// figure plus the image bytes (SVG, so output stays deterministic and
// needs no raster toolchain). A table with no matching columns degrades
// to an annotated empty chart rather than failing.
func Render(table Table, spec ChartSpec) (string, []byte, error) {
	chartType := spec.Type
	if chartType == "" {
		chartType = "line"
	}
	if chartType != "line" && chartType != "bar" {
		return "", nil, fmt.Errorf("unsupported chart type: %s", chartType)
	}

	title := spec.Title
	if title == "" {
		title = "Generated Chart"
	}

	yCols := spec.Y
	if len(yCols) == 0 {
		if _, ok := resolveColumn(table.Columns, "Close"); ok {
			yCols = []string{"Close"}
		} else if len(table.Columns) > 0 {
			yCols = []string{table.Columns[0]}
		}
	}

	labels := xLabels(table, spec.X)

	var series []seriesPoints
	for _, col := range yCols {
		idx, ok := resolveColumn(table.Columns, col)
		if !ok {
			continue
		}
		sp := seriesPoints{Name: col}
		for i, row := range table.Rows {
			if idx >= len(row) {
				continue
			}
			v, ok := toFloat(row[idx])
			if !ok {
				continue
			}
			sp.Values = append(sp.Values, []float64{float64(i), v})
			if i < len(labels) {
				sp.Labels = append(sp.Labels, labels[i])
			}
		}
		if len(sp.Values) > 0 {
			series = append(series, sp)
		}
	}

	palette := defaultPalette
	if spec.PaletteHint == "corporate" {
		palette = corporatePalette
	}

	doc := figureDoc{
		Type:        chartType,
		Title:       title,
		XAxisTitle:  spec.XAxisTitle,
		YAxisTitle:  spec.YAxisTitle,
		Palette:     palette,
		Series:      series,
		Annotations: spec.Annotations,
		Width:       figWidth,
		Height:      figHeight,
	}
	if spec.ShowLegend != nil {
		doc.ShowLegend = *spec.ShowLegend
	} else {
		doc.ShowLegend = len(series) > 1
	}
	if len(series) == 0 {
		doc.Degraded = true
		doc.Annotations = append(doc.Annotations, Annotation{Text: "No data available for requested columns", X: 0.5, Y: 0.5})
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("serialize figure: %w", err)
	}
	return string(canonical), renderSVG(doc), nil
}

// xLabels derives per-row x labels from the configured x column, or the
// row index when the column is absent.
func xLabels(table Table, xCol string) []string {
	idx := -1
	if xCol != "" {
		if i, ok := resolveColumn(table.Columns, xCol); ok {
			idx = i
		}
	}
	labels := make([]string, len(table.Rows))
	for i, row := range table.Rows {
		if idx >= 0 && idx < len(row) {
			labels[i] = fmt.Sprintf("%v", row[idx])
		} else {
			labels[i] = strconv.Itoa(i)
		}
	}
	return labels
}

// resolveColumn matches exact first, then case-insensitive, then
// substring.
func resolveColumn(columns []string, target string) (int, bool) {
	for i, c := range columns {
		if c == target {
			return i, true
		}
	}
	lower := strings.ToLower(target)
	for i, c := range columns {
		if strings.ToLower(c) == lower {
			return i, true
		}
	}
	for i, c := range columns {
		if strings.Contains(strings.ToLower(c), lower) {
			return i, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func renderSVG(doc figureDoc) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		doc.Width, doc.Height, doc.Width, doc.Height)
	b.WriteString(`<rect width="100%" height="100%" fill="#111418"/>`)
	fmt.Fprintf(&b, `<text x="%d" y="30" fill="#e5e7eb" font-size="18" font-family="sans-serif">%s</text>`,
		marginL, escapeXML(doc.Title))

	plotW := doc.Width - marginL - marginR
	plotH := doc.Height - marginT - marginB

	// axes
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#6b7280"/>`,
		marginL, marginT, marginL, marginT+plotH)
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#6b7280"/>`,
		marginL, marginT+plotH, marginL+plotW, marginT+plotH)

	minY, maxY, maxX := bounds(doc.Series)
	if maxY == minY {
		maxY = minY + 1
	}
	scaleX := func(x float64) float64 {
		if maxX == 0 {
			return float64(marginL)
		}
		return float64(marginL) + x/maxX*float64(plotW)
	}
	scaleY := func(y float64) float64 {
		return float64(marginT+plotH) - (y-minY)/(maxY-minY)*float64(plotH)
	}

	fmt.Fprintf(&b, `<text x="5" y="%d" fill="#9ca3af" font-size="11" font-family="sans-serif">%s</text>`,
		marginT+8, strconv.FormatFloat(maxY, 'f', 2, 64))
	fmt.Fprintf(&b, `<text x="5" y="%d" fill="#9ca3af" font-size="11" font-family="sans-serif">%s</text>`,
		marginT+plotH, strconv.FormatFloat(minY, 'f', 2, 64))

	for si, sp := range doc.Series {
		color := doc.Palette[si%len(doc.Palette)]
		switch doc.Type {
		case "bar":
			barW := float64(plotW) / float64(len(sp.Values)+1) / float64(len(doc.Series)+1)
			for _, pt := range sp.Values {
				x := scaleX(pt[0]) + float64(si)*barW
				y := scaleY(pt[1])
				fmt.Fprintf(&b, `<rect x="%.2f" y="%.2f" width="%.2f" height="%.2f" fill="%s"/>`,
					x, y, barW, float64(marginT+plotH)-y, color)
			}
		default:
			var points []string
			for _, pt := range sp.Values {
				points = append(points, fmt.Sprintf("%.2f,%.2f", scaleX(pt[0]), scaleY(pt[1])))
			}
			fmt.Fprintf(&b, `<polyline fill="none" stroke="%s" stroke-width="2.5" points="%s"/>`,
				color, strings.Join(points, " "))
		}
		if len(sp.Labels) > 0 {
			fmt.Fprintf(&b, `<text x="%d" y="%d" fill="#9ca3af" font-size="11" font-family="sans-serif">%s</text>`,
				marginL, doc.Height-10, escapeXML(sp.Labels[0]))
			fmt.Fprintf(&b, `<text x="%d" y="%d" fill="#9ca3af" font-size="11" font-family="sans-serif" text-anchor="end">%s</text>`,
				marginL+plotW, doc.Height-10, escapeXML(sp.Labels[len(sp.Labels)-1]))
		}
	}

	if doc.ShowLegend {
		x := marginL
		for si, sp := range doc.Series {
			color := doc.Palette[si%len(doc.Palette)]
			fmt.Fprintf(&b, `<rect x="%d" y="%d" width="10" height="10" fill="%s"/>`, x, marginT-18, color)
			fmt.Fprintf(&b, `<text x="%d" y="%d" fill="#e5e7eb" font-size="12" font-family="sans-serif">%s</text>`,
				x+14, marginT-9, escapeXML(sp.Name))
			x += 14 + 8*len(sp.Name) + 20
		}
	}

	if doc.XAxisTitle != "" {
		fmt.Fprintf(&b, `<text x="%d" y="%d" fill="#9ca3af" font-size="12" font-family="sans-serif" text-anchor="middle">%s</text>`,
			marginL+plotW/2, doc.Height-22, escapeXML(doc.XAxisTitle))
	}
	if doc.YAxisTitle != "" {
		fmt.Fprintf(&b, `<text x="14" y="%d" fill="#9ca3af" font-size="12" font-family="sans-serif" transform="rotate(-90 14 %d)">%s</text>`,
			marginT+plotH/2, marginT+plotH/2, escapeXML(doc.YAxisTitle))
	}

	for _, ann := range doc.Annotations {
		x := float64(marginL) + ann.X*float64(plotW)
		y := float64(marginT) + (1-ann.Y)*float64(plotH)
		fmt.Fprintf(&b, `<text x="%.2f" y="%.2f" fill="#c0392b" font-size="14" font-family="sans-serif" text-anchor="middle">%s</text>`,
			x, y, escapeXML(ann.Text))
	}

	b.WriteString(`</svg>`)
	return []byte(b.String())
}

func bounds(series []seriesPoints) (minY, maxY, maxX float64) {
	first := true
	for _, sp := range series {
		for _, pt := range sp.Values {
			if first {
				minY, maxY = pt[1], pt[1]
				first = false
			}
			if pt[1] < minY {
				minY = pt[1]
			}
			if pt[1] > maxY {
				maxY = pt[1]
			}
			if pt[0] > maxX {
				maxX = pt[0]
			}
		}
	}
	return minY, maxY, maxX
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
