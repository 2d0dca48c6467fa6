package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font"

	"github.com/PerfectlyContent/cardmaker/internal/catalog"
	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

const (
	// MaxViewportSide bounds preview dimensions.
	MaxViewportSide = 4096

	emojiSize     = 120.0
	hintSize      = 26.0
	hintText      = "Your card is taking shape..."
	decorRadius   = 180.0
	shadowOpacity = 0.5
)

// ErrInvalidViewport is returned for preview dimensions outside 1..MaxViewportSide.
var ErrInvalidViewport = errors.New("compose: invalid viewport")

var black = color.NRGBA{A: 0xFF}

// Options controls a single render.
type Options struct {
	// PixelRatio multiplies the 1080 virtual canvas into device pixels.
	PixelRatio float64
	// ViewportWidth and Scale describe the live viewport the card is shown in.
	// Zero values mean an offscreen render.
	ViewportWidth float64
	Scale         float64
}

// Viewport is the device area a live preview is shown in.
type Viewport struct {
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Compact bool `json:"compact"`
}

// Renderer draws cards. One renderer serves preview and export.
type Renderer struct {
	catalog *catalog.Catalog
	fonts   *FontBook
	images  ImageSource
}

// NewRenderer constructs a Renderer. Nil arguments select the embedded
// catalog, a Go-fonts-only FontBook and the default ImageLoader.
func NewRenderer(cat *catalog.Catalog, fonts *FontBook, images ImageSource) (*Renderer, error) {
	if cat == nil {
		cat = catalog.Default()
	}
	if fonts == nil {
		book, err := NewFontBook("")
		if err != nil {
			return nil, err
		}
		fonts = book
	}
	if images == nil {
		images = NewImageLoader()
	}
	return &Renderer{catalog: cat, fonts: fonts, images: images}, nil
}

// Render draws card onto a square image of 1080*PixelRatio pixels.
func (r *Renderer) Render(ctx context.Context, card domain.CardData, opts Options) (image.Image, error) {
	ratio := opts.PixelRatio
	if ratio <= 0 {
		ratio = 1
	}
	size := pixelSize(ratio)
	if size <= 0 {
		size = 1
	}
	dc := gg.NewContext(size, size)

	var background image.Image
	if src := backgroundSource(card.BackgroundImage); src != "" {
		img, err := r.images.Load(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("compose: load background: %w", err)
		}
		background = img
	}

	message := strings.TrimSpace(card.EditedMessage)
	if background != nil {
		drawBackground(dc, background, size)
	} else {
		r.drawEmptyState(dc, card, ratio, message == "")
	}

	if message != "" {
		if err := r.drawMessage(dc, card, message, ratio, opts, background != nil); err != nil {
			return nil, err
		}
	}
	return dc.Image(), nil
}

// Export renders card at the export pixel ratio and encodes it as PNG.
func (r *Renderer) Export(ctx context.Context, card domain.CardData) ([]byte, error) {
	img, err := r.Render(ctx, card, Options{PixelRatio: ExportPixelRatio})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("compose: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Preview renders the card as it appears in a viewport: scaled to fit
// (compact) or cover it, centred and clipped on a backdrop.
func (r *Renderer) Preview(ctx context.Context, card domain.CardData, vp Viewport) (image.Image, error) {
	if vp.Width <= 0 || vp.Height <= 0 || vp.Width > MaxViewportSide || vp.Height > MaxViewportSide {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidViewport, vp.Width, vp.Height)
	}
	scale := PreviewScale(float64(vp.Width), float64(vp.Height), vp.Compact)
	opts := Options{PixelRatio: scale, ViewportWidth: float64(vp.Width), Scale: scale}
	surface, err := r.Render(ctx, card, opts)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContext(vp.Width, vp.Height)
	if vp.Compact {
		dc.SetColor(compactBackdrop)
	} else {
		dc.SetColor(coverBackdrop)
	}
	dc.Clear()
	side := surface.Bounds().Dx()
	dc.DrawImage(surface, (vp.Width-side)/2, (vp.Height-side)/2)
	return dc.Image(), nil
}

func backgroundSource(bg *domain.BackgroundImage) string {
	if bg == nil {
		return ""
	}
	for _, candidate := range []string{bg.URLs.Regular, bg.URLs.Full, bg.URLs.Raw} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}

func drawBackground(dc *gg.Context, img image.Image, size int) {
	dc.DrawImage(imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos), 0, 0)

	overlay := gg.NewLinearGradient(0, 0, 0, float64(size))
	overlay.AddColorStop(0, withAlpha(black, overlayStops[0]))
	overlay.AddColorStop(0.5, withAlpha(black, overlayStops[1]))
	overlay.AddColorStop(1, withAlpha(black, overlayStops[2]))
	dc.SetFillStyle(overlay)
	dc.DrawRectangle(0, 0, float64(size), float64(size))
	dc.Fill()
}

func (r *Renderer) drawEmptyState(dc *gg.Context, card domain.CardData, ratio float64, decorate bool) {
	side := CanvasSize * ratio
	stops := r.catalog.Gradient(card.Occasion)
	gradient := gg.NewLinearGradient(0, 0, side, side)
	for i, stop := range stops {
		c, err := ParseHexColor(stop)
		if err != nil {
			continue
		}
		offset := 0.0
		if len(stops) > 1 {
			offset = float64(i) / float64(len(stops)-1)
		}
		gradient.AddColorStop(offset, c)
	}
	dc.SetFillStyle(gradient)
	dc.DrawRectangle(0, 0, side, side)
	dc.Fill()

	ink, _ := ParseHexColor(InkColor)
	white := color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

	dc.SetColor(withAlpha(white, 0.35))
	dc.DrawCircle(side, 0, decorRadius*ratio)
	dc.Fill()
	dc.DrawCircle(0, side, decorRadius*ratio)
	dc.Fill()

	inset := FrameInset * ratio
	dc.SetColor(withAlpha(ink, 0.06))
	dc.SetLineWidth(math.Max(1, 2*ratio))
	dc.DrawRoundedRectangle(inset, inset, side-2*inset, side-2*inset, FrameRadius*ratio)
	dc.Stroke()

	if !decorate || card.Occasion == nil {
		return
	}
	occ, ok := r.catalog.Occasion(*card.Occasion)
	if !ok {
		return
	}
	center := side / 2
	if occ.Emoji != "" {
		if face, ok := r.fonts.CoveringFace(occ.Emoji, emojiSize*ratio); ok {
			dc.SetFontFace(face)
			dc.SetColor(ink)
			dc.DrawStringAnchored(occ.Emoji, center, center-40*ratio, 0.5, 0.5)
		}
	}
	dc.SetFontFace(r.fonts.Face(domain.FontConfig{Family: "Noto Sans", Weight: 400, Style: domain.FontStyleNormal}, hintSize*ratio, hintText))
	dc.SetColor(withAlpha(ink, 0.2))
	dc.DrawStringAnchored(hintText, center, center+80*ratio, 0.5, 0.5)
}

func (r *Renderer) drawMessage(dc *gg.Context, card domain.CardData, message string, ratio float64, opts Options, onPhoto bool) error {
	fontSize := float64(card.FontSize)
	if fontSize <= 0 {
		fontSize = 32
	}
	cfg := domain.FontConfig{Family: card.FontFamily, Weight: card.FontWeight, Style: card.FontStyle}
	face := r.fonts.Face(cfg, fontSize*ratio, message)
	dc.SetFontFace(face)

	padding := HorizontalPadding(opts.ViewportWidth, opts.Scale)
	maxWidth := (CanvasSize - 2*padding) * ratio
	if maxWidth <= 0 {
		maxWidth = CanvasSize * ratio
	}
	lines := wrapLines(dc, message, maxWidth)
	if len(lines) == 0 {
		return nil
	}

	fill, err := ParseHexColor(MessageColor(card))
	if err != nil {
		fill, _ = ParseHexColor(InkColor)
	}

	lineHeight := fontSize * LineHeight
	top := BlockTop(card.TextPosition, lineHeight*float64(len(lines))) * ratio
	lh := lineHeight * ratio
	ascent, descent := faceExtents(face)
	centerX := CanvasSize / 2 * ratio

	for i, line := range lines {
		if line == "" {
			continue
		}
		line = visualOrder(line)
		baseline := top + float64(i)*lh + (lh-(ascent+descent))/2 + ascent
		if onPhoto {
			dc.SetColor(withAlpha(black, shadowOpacity))
			dc.DrawStringAnchored(line, centerX+2*ratio, baseline+2*ratio, 0.5, 0)
			dc.SetColor(withAlpha(black, 0.3))
			dc.DrawStringAnchored(line, centerX+1*ratio, baseline+1*ratio, 0.5, 0)
		}
		dc.SetColor(fill)
		dc.DrawStringAnchored(line, centerX, baseline, 0.5, 0)
	}
	return nil
}

func faceExtents(face font.Face) (float64, float64) {
	m := face.Metrics()
	return float64(m.Ascent) / 64, float64(m.Descent) / 64
}

// wrapLines word-wraps each paragraph of text and then breaks words that
// alone exceed width. Blank paragraphs stay as empty lines.
func wrapLines(dc *gg.Context, text string, width float64) []string {
	text = strings.TrimRightFunc(strings.ReplaceAll(text, "\r\n", "\n"), unicode.IsSpace)
	if text == "" {
		return nil
	}
	var out []string
	for _, para := range strings.Split(text, "\n") {
		if strings.TrimSpace(para) == "" {
			out = append(out, "")
			continue
		}
		for _, line := range dc.WordWrap(para, width) {
			if line == "" {
				continue
			}
			if w, _ := dc.MeasureString(line); w <= width {
				out = append(out, line)
				continue
			}
			out = append(out, breakRunes(dc, line, width)...)
		}
	}
	return out
}

func breakRunes(dc *gg.Context, line string, width float64) []string {
	var out []string
	var current []rune
	for _, r := range line {
		next := append(current, r)
		if w, _ := dc.MeasureString(string(next)); w > width && len(current) > 0 {
			out = append(out, strings.TrimSpace(string(current)))
			current = []rune{r}
			continue
		}
		current = next
	}
	if len(current) > 0 {
		out = append(out, strings.TrimSpace(string(current)))
	}
	return out
}
