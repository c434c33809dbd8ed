package render

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Layout holds the canvas and typography settings
type Layout struct {
	Width       int    `yaml:"width" json:"width"`
	LineHeight  int    `yaml:"line_height" json:"line_height"`
	FontSize    int    `yaml:"font_size" json:"font_size"`
	MarginX     int    `yaml:"margin_x" json:"margin_x"`
	MarginTop   int    `yaml:"margin_top" json:"margin_top"`
	WrapColumns int    `yaml:"wrap_columns" json:"wrap_columns"`
	MinHeight   int    `yaml:"min_height" json:"min_height"`
	Background  string `yaml:"background" json:"background"`
	Foreground  string `yaml:"foreground" json:"foreground"`
	FontFamily  string `yaml:"font_family" json:"font_family"`
}

// DefaultLayout returns the stock 800px wide layout
func DefaultLayout() Layout {
	return Layout{
		Width:       800,
		LineHeight:  24,
		FontSize:    16,
		MarginX:     20,
		MarginTop:   30,
		WrapColumns: 80,
		MinHeight:   100,
		Background:  "#f9f9f9",
		Foreground:  "#333",
		FontFamily:  "Arial, sans-serif",
	}
}

// Validate checks layout values
func (l Layout) Validate() error {
	if l.Width <= 0 {
		return fmt.Errorf("width must be positive, got %d", l.Width)
	}
	if l.LineHeight <= 0 {
		return fmt.Errorf("line_height must be positive, got %d", l.LineHeight)
	}
	if l.FontSize <= 0 {
		return fmt.Errorf("font_size must be positive, got %d", l.FontSize)
	}
	if l.WrapColumns <= 0 {
		return fmt.Errorf("wrap_columns must be positive, got %d", l.WrapColumns)
	}
	if l.MinHeight < 0 || l.MarginX < 0 || l.MarginTop < 0 {
		return fmt.Errorf("min_height and margins must not be negative")
	}
	return nil
}

// Renderer converts text to SVG with a fixed layout. It holds no mutable
// state and is safe for concurrent use.
type Renderer struct {
	layout Layout
}

// NewRenderer creates a renderer after validating layout
func NewRenderer(layout Layout) (*Renderer, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	return &Renderer{layout: layout}, nil
}

// Render lays text out as an SVG document. Text without any words yields a
// bare canvas of the minimum height.
func (r *Renderer) Render(text string) ([]byte, error) {
	l := r.layout
	lines := WrapLines(text, l.WrapColumns)

	var buf bytes.Buffer
	if len(lines) == 0 {
		fmt.Fprintf(&buf, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d"></svg>`, l.Width, l.MinHeight)
		return buf.Bytes(), nil
	}

	height := max(l.MinHeight, len(lines)*l.LineHeight+40)

	fmt.Fprintf(&buf, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`, l.Width, height)
	buf.WriteString(`<rect width="100%" height="100%" fill="`)
	if err := xml.EscapeText(&buf, []byte(l.Background)); err != nil {
		return nil, fmt.Errorf("failed to write background: %w", err)
	}
	buf.WriteString(`" />`)

	for i, line := range lines {
		y := i*l.LineHeight + l.MarginTop
		fmt.Fprintf(&buf, `<text x="%d" y="%d" font-family="`, l.MarginX, y)
		if err := xml.EscapeText(&buf, []byte(l.FontFamily)); err != nil {
			return nil, fmt.Errorf("failed to write font family: %w", err)
		}
		fmt.Fprintf(&buf, `" font-size="%d" fill="`, l.FontSize)
		if err := xml.EscapeText(&buf, []byte(l.Foreground)); err != nil {
			return nil, fmt.Errorf("failed to write foreground: %w", err)
		}
		buf.WriteString(`">`)
		if err := xml.EscapeText(&buf, []byte(line)); err != nil {
			return nil, fmt.Errorf("failed to write line %d: %w", i, err)
		}
		buf.WriteString(`</text>`)
	}

	buf.WriteString(`</svg>`)
	return buf.Bytes(), nil
}

// WrapLines splits text into words and greedily packs them into lines of at
// most columns characters. A word longer than columns gets a line of its own.
func WrapLines(text string, columns int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var (
		lines   []string
		current []string
		length  int
	)

	for _, w := range words {
		n := utf8.RuneCountInString(w)
		if length+n+1 > columns && len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = []string{w}
			length = n
			continue
		}
		current = append(current, w)
		length += n + 1
	}

	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	return lines
}

var defaultRenderer = &Renderer{layout: DefaultLayout()}

// SVG renders text with the default layout
func SVG(text string) []byte {
	out, err := defaultRenderer.Render(text)
	if err != nil {
		// Writes to bytes.Buffer do not fail
		panic(err)
	}
	return out
}
