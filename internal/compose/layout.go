package compose

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

// Canvas geometry in virtual pixels.
const (
	CanvasSize         = 1080.0
	ExportPixelRatio   = 2.0
	LineHeight         = 1.5
	PaddingRatio       = 0.12
	ViewportGutter     = 48.0
	PositionInsetRatio = 0.22
	FrameInset         = 50.0
	FrameRadius        = 20.0
	InkColor           = "#1A0A0E"
)

var (
	compactBackdrop = color.NRGBA{R: 0xF7, G: 0xF7, B: 0xF7, A: 0xFF}
	coverBackdrop   = color.NRGBA{R: 0xF5, G: 0xEC, B: 0xEB, A: 0xFF}
)

// overlayStops darken a photo from top to bottom so white text stays legible.
var overlayStops = [3]float64{0.20, 0.30, 0.50}

// PreviewScale returns the factor that maps the canvas into a viewport. Compact
// previews fit inside it, full-screen previews cover it.
func PreviewScale(width, height float64, compact bool) float64 {
	sx := width / CanvasSize
	sy := height / CanvasSize
	if compact {
		return math.Min(sx, sy)
	}
	return math.Max(sx, sy)
}

// HorizontalPadding is the inset on each side of the message block. Without a
// viewport it is 12% of the canvas. With one, it keeps the text inside the
// part of the canvas the viewport actually shows.
func HorizontalPadding(viewportWidth, scale float64) float64 {
	if viewportWidth <= 0 || scale <= 0 {
		return CanvasSize * PaddingRatio
	}
	visible := viewportWidth / scale
	clip := math.Max(0, (CanvasSize-visible)/2)
	return clip + ViewportGutter
}

// BlockTop returns the y of the first line box for a block of blockHeight.
func BlockTop(position domain.TextPosition, blockHeight float64) float64 {
	switch position {
	case domain.TextPositionTop:
		return CanvasSize * PositionInsetRatio
	case domain.TextPositionBottom:
		return CanvasSize*(1-PositionInsetRatio) - blockHeight
	default:
		return (CanvasSize - blockHeight) / 2
	}
}

// MessageColor picks the text colour: the chosen colour over photos, ink otherwise.
func MessageColor(card domain.CardData) string {
	if card.BackgroundImage != nil {
		return card.TextColor
	}
	return InkColor
}

// HasContent reports whether the card has anything beyond the empty state.
func HasContent(card domain.CardData) bool {
	return card.BackgroundImage != nil || card.EditedMessage != ""
}

// ParseHexColor decodes #RRGGBB or #RGB.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("compose: invalid colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("compose: invalid colour %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
}

func withAlpha(c color.NRGBA, alpha float64) color.NRGBA {
	c.A = uint8(math.Round(alpha * 255))
	return c
}

func pixelSize(ratio float64) int {
	return int(math.Round(CanvasSize * ratio))
}
