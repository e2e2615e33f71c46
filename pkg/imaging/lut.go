package imaging

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/gilchrisn/tractmodes/pkg/gifti"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// Palette returns k colours with evenly spaced HCL hues at fixed chroma.
func Palette(k int) []colorful.Color {
	colors := make([]colorful.Color, k)
	for i := range colors {
		hue := 360 * float64(i) / float64(max(k, 1))
		light := 0.65
		if i%2 == 1 {
			light = 0.5
		}
		colors[i] = colorful.Hcl(hue, 0.6, light).Clamped()
	}
	return colors
}

// LabelName is the display name of winner-takes-all label l
func LabelName(l int) string {
	if l == 0 {
		return "unassigned"
	}
	return fmt.Sprintf("component_%d", l)
}

// LabelTable returns the GIFTI label table for labels 0..k
func LabelTable(k int) gifti.LabelTable {
	table := gifti.LabelTable{Labels: []gifti.Label{{Key: 0, Name: LabelName(0)}}}
	for i, c := range Palette(k) {
		table.Labels = append(table.Labels, gifti.Label{
			Key:   i + 1,
			Red:   round4(c.R),
			Green: round4(c.G),
			Blue:  round4(c.B),
			Alpha: 1,
			Name:  LabelName(i + 1),
		})
	}
	return table
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// WriteLUT writes a "label r g b name" colour table for labels 0..k
func WriteLUT(path string, k int) error {
	var sb strings.Builder
	sb.WriteString("0 0 0 0 unassigned\n")
	for i, c := range Palette(k) {
		r, g, b := c.RGB255()
		fmt.Fprintf(&sb, "%d %d %d %d %s\n", i+1, r, g, b, LabelName(i+1))
	}
	return writeText(path, sb.String())
}

func writeText(path, content string) error {
	err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}
