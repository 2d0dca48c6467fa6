package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

// Families tried, in order, when the card font cannot draw the message.
var fallbackFamilies = []string{"Noto Sans Hebrew", "Noto Sans Arabic", "Noto Sans"}

type fontVariant struct {
	weight int
	style  domain.FontStyle
	font   *truetype.Font
}

// FontBook holds parsed font files keyed by family. Families missing from the
// fonts directory fall back to the embedded Go fonts.
type FontBook struct {
	mu       sync.RWMutex
	families map[string][]fontVariant
	goFonts  map[bool]map[bool]*truetype.Font
	skipped  []string
}

// NewFontBook loads every .ttf and .otf file in dir. Files are named
// "<Family>-<weight>-<style>.ttf"; "<Family>.ttf" means weight 400, normal.
// OpenType files load only with TrueType outlines; CFF ones are listed by
// Skipped instead of failing the book.
// An empty dir yields a book with only the Go fonts.
func NewFontBook(dir string) (*FontBook, error) {
	book := &FontBook{families: make(map[string][]fontVariant)}
	if err := book.loadGoFonts(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) == "" {
		return book, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("compose: read fonts dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".ttf" && ext != ".otf") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("compose: read font %s: %w", entry.Name(), err)
		}
		family, weight, style := parseFontFileName(entry.Name())
		if err := book.Add(family, weight, style, data); err != nil {
			if ext == ".otf" {
				book.skipped = append(book.skipped, entry.Name())
				continue
			}
			return nil, fmt.Errorf("compose: font %s: %w", entry.Name(), err)
		}
	}
	return book, nil
}

func (b *FontBook) loadGoFonts() error {
	sources := []struct {
		bold, italic bool
		data         []byte
	}{
		{false, false, goregular.TTF},
		{true, false, gobold.TTF},
		{false, true, goitalic.TTF},
		{true, true, gobolditalic.TTF},
	}
	b.goFonts = map[bool]map[bool]*truetype.Font{false: {}, true: {}}
	for _, src := range sources {
		parsed, err := truetype.Parse(src.data)
		if err != nil {
			return fmt.Errorf("compose: parse go font: %w", err)
		}
		b.goFonts[src.bold][src.italic] = parsed
	}
	return nil
}

// Add registers a TrueType font under family.
func (b *FontBook) Add(family string, weight int, style domain.FontStyle, data []byte) error {
	parsed, err := truetype.Parse(data)
	if err != nil {
		return err
	}
	key := normaliseFamily(family)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.families[key] = append(b.families[key], fontVariant{weight: weight, style: style, font: parsed})
	return nil
}

// Skipped lists font files in the directory that could not be parsed.
func (b *FontBook) Skipped() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.skipped...)
}

// Families lists the registered family keys.
func (b *FontBook) Families() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.families))
	for family := range b.families {
		out = append(out, family)
	}
	sort.Strings(out)
	return out
}

// Face returns a face able to draw text, trying cfg's family first, then the
// Noto fallbacks, then the Go fonts. Faces are not safe for concurrent use, so
// callers get a fresh one per render.
func (b *FontBook) Face(cfg domain.FontConfig, size float64, text string) font.Face {
	chosen := b.resolve(cfg, text)
	return truetype.NewFace(chosen, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// HasGlyphs reports whether family can draw every non-space rune of text.
func (b *FontBook) HasGlyphs(family string, text string) bool {
	b.mu.RLock()
	variants := b.families[normaliseFamily(family)]
	b.mu.RUnlock()
	if len(variants) == 0 {
		return false
	}
	return covers(variants[0].font, text)
}

// CoveringFace returns a face from any registered family that can draw text.
// The Go fonts are not considered, so emoji only render when a font that has
// them was loaded.
func (b *FontBook) CoveringFace(text string, size float64) (font.Face, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	families := make([]string, 0, len(b.families))
	for family := range b.families {
		families = append(families, family)
	}
	sort.Strings(families)
	for _, family := range families {
		for _, v := range b.families[family] {
			if covers(v.font, text) {
				return truetype.NewFace(v.font, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingFull}), true
			}
		}
	}
	return nil, false
}

func (b *FontBook) resolve(cfg domain.FontConfig, text string) *truetype.Font {
	candidates := append([]string{cfg.Family}, fallbackFamilies...)
	for _, family := range candidates {
		if f := b.lookup(family, cfg.Weight, cfg.Style); f != nil && covers(f, text) {
			return f
		}
	}
	return b.goFonts[cfg.Weight >= 600][cfg.Style == domain.FontStyleItalic]
}

func (b *FontBook) lookup(family string, weight int, style domain.FontStyle) *truetype.Font {
	b.mu.RLock()
	defer b.mu.RUnlock()
	variants := b.families[normaliseFamily(family)]
	if len(variants) == 0 {
		return nil
	}
	var best *fontVariant
	bestScore := 0
	for i := range variants {
		v := &variants[i]
		score := abs(v.weight - weight)
		if v.style != style {
			score += 1000
		}
		if best == nil || score < bestScore {
			best, bestScore = v, score
		}
	}
	return best.font
}

func covers(f *truetype.Font, text string) bool {
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '‍' || r == '️' {
			continue
		}
		if f.Index(r) == 0 {
			return false
		}
	}
	return true
}

func parseFontFileName(name string) (string, int, domain.FontStyle) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(base, "-")
	weight := 400
	style := domain.FontStyleNormal
	if len(parts) >= 3 {
		if w, err := strconv.Atoi(parts[len(parts)-2]); err == nil {
			weight = w
			if strings.EqualFold(parts[len(parts)-1], string(domain.FontStyleItalic)) {
				style = domain.FontStyleItalic
			}
			return strings.Join(parts[:len(parts)-2], "-"), weight, style
		}
	}
	if len(parts) >= 2 {
		if w, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
			return strings.Join(parts[:len(parts)-1], "-"), w, style
		}
	}
	return base, weight, style
}

func normaliseFamily(family string) string {
	return strings.ToLower(strings.Join(strings.Fields(family), " "))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
