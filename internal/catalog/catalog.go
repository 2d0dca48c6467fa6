package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

// DefaultLanguage is used whenever a requested language is not part of the catalog.
const DefaultLanguage = "en"

// ErrInvalidCatalog is returned when catalog data fails validation.
var ErrInvalidCatalog = errors.New("catalog: invalid catalog")

//go:embed catalog.yaml
var embedded []byte

var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Occasion describes a selectable card occasion.
type Occasion struct {
	ID        domain.Occasion `yaml:"id"`
	Emoji     string          `yaml:"emoji"`
	Context   string          `yaml:"context"`
	ImageHint string          `yaml:"imageHint"`
	Gradient  []string        `yaml:"gradient"`
	Languages []string        `yaml:"languages"`
}

// Font mirrors domain.FontConfig in catalog form.
type Font struct {
	Family string `yaml:"family"`
	Weight int    `yaml:"weight"`
	Style  string `yaml:"style"`
}

// Config converts the catalog font to its domain representation.
func (f Font) Config() domain.FontConfig {
	return domain.FontConfig{Family: f.Family, Weight: f.Weight, Style: domain.FontStyle(f.Style)}
}

// Vibe describes a card vibe and everything derived from it.
type Vibe struct {
	ID         domain.Vibe `yaml:"id"`
	Emoji      string      `yaml:"emoji"`
	Tone       string      `yaml:"tone"`
	ImageQuery string      `yaml:"imageQuery"`
	LatinFont  Font        `yaml:"latinFont"`
	HebrewFont Font        `yaml:"hebrewFont"`
}

// Language is a supported message language.
type Language struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name"`
	Greeting string `yaml:"greeting"`
	// Creating is shown once the chat has gathered enough to build the card.
	Creating string `yaml:"creating"`
	RTL      bool   `yaml:"rtl"`
}

// Catalog is the immutable card vocabulary.
type Catalog struct {
	DefaultGradient []string   `yaml:"defaultGradient"`
	OccasionList    []Occasion `yaml:"occasions"`
	VibeList        []Vibe     `yaml:"vibes"`
	LanguageList    []Language `yaml:"languages"`

	occasions map[domain.Occasion]Occasion
	vibes     map[domain.Vibe]Vibe
	languages map[string]Language
	matcher   language.Matcher
	tags      []language.Tag
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	defaultOnce.Do(func() {
		cat, err := Parse(embedded)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded catalog invalid: %v", err))
		}
		defaultCatalog = cat
	})
	return defaultCatalog
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := cat.index(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) index() error {
	var issues []string

	if err := validateGradient(c.DefaultGradient); err != nil {
		issues = append(issues, "defaultGradient: "+err.Error())
	}

	c.occasions = make(map[domain.Occasion]Occasion, len(c.OccasionList))
	for i, occ := range c.OccasionList {
		if strings.TrimSpace(string(occ.ID)) == "" {
			issues = append(issues, fmt.Sprintf("occasions[%d]: id required", i))
			continue
		}
		if _, exists := c.occasions[occ.ID]; exists {
			issues = append(issues, fmt.Sprintf("occasions[%d]: duplicate id %q", i, occ.ID))
			continue
		}
		if strings.TrimSpace(occ.Context) == "" {
			issues = append(issues, fmt.Sprintf("occasion %q: context required", occ.ID))
		}
		if len(occ.Gradient) > 0 {
			if err := validateGradient(occ.Gradient); err != nil {
				issues = append(issues, fmt.Sprintf("occasion %q: %v", occ.ID, err))
			}
		}
		c.occasions[occ.ID] = occ
	}
	if _, ok := c.occasions[domain.OccasionCustom]; !ok {
		issues = append(issues, "occasions: custom occasion required")
	}

	c.vibes = make(map[domain.Vibe]Vibe, len(c.VibeList))
	for i, vibe := range c.VibeList {
		if strings.TrimSpace(string(vibe.ID)) == "" {
			issues = append(issues, fmt.Sprintf("vibes[%d]: id required", i))
			continue
		}
		if _, exists := c.vibes[vibe.ID]; exists {
			issues = append(issues, fmt.Sprintf("vibes[%d]: duplicate id %q", i, vibe.ID))
			continue
		}
		if err := validateFont(vibe.LatinFont); err != nil {
			issues = append(issues, fmt.Sprintf("vibe %q latinFont: %v", vibe.ID, err))
		}
		if err := validateFont(vibe.HebrewFont); err != nil {
			issues = append(issues, fmt.Sprintf("vibe %q hebrewFont: %v", vibe.ID, err))
		}
		c.vibes[vibe.ID] = vibe
	}
	if _, ok := c.vibes[domain.VibeHeartfelt]; !ok {
		issues = append(issues, "vibes: heartfelt vibe required")
	}

	c.languages = make(map[string]Language, len(c.LanguageList))
	c.tags = c.tags[:0]
	for i, lang := range c.LanguageList {
		code := strings.ToLower(strings.TrimSpace(lang.Code))
		if code == "" {
			issues = append(issues, fmt.Sprintf("languages[%d]: code required", i))
			continue
		}
		tag, err := language.Parse(code)
		if err != nil {
			issues = append(issues, fmt.Sprintf("languages[%d]: %v", i, err))
			continue
		}
		lang.Code = code
		c.languages[code] = lang
		c.tags = append(c.tags, tag)
	}
	if _, ok := c.languages[DefaultLanguage]; !ok {
		issues = append(issues, "languages: en required")
	} else {
		// The matcher falls back to its first tag, so the default goes first.
		ordered := []language.Tag{language.MustParse(DefaultLanguage)}
		for _, tag := range c.tags {
			if tag.String() != DefaultLanguage {
				ordered = append(ordered, tag)
			}
		}
		c.tags = ordered
		c.matcher = language.NewMatcher(ordered)
	}

	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCatalog, strings.Join(issues, "; "))
	}
	return nil
}

func validateGradient(stops []string) error {
	if len(stops) != 3 {
		return fmt.Errorf("gradient needs 3 stops, got %d", len(stops))
	}
	for _, stop := range stops {
		if !hexColorPattern.MatchString(stop) {
			return fmt.Errorf("malformed colour %q", stop)
		}
	}
	return nil
}

func validateFont(f Font) error {
	if strings.TrimSpace(f.Family) == "" {
		return errors.New("family required")
	}
	if f.Weight < 100 || f.Weight > 900 {
		return fmt.Errorf("weight %d out of range", f.Weight)
	}
	switch domain.FontStyle(f.Style) {
	case domain.FontStyleNormal, domain.FontStyleItalic:
	default:
		return fmt.Errorf("unknown style %q", f.Style)
	}
	return nil
}

// Occasion looks up an occasion by id.
func (c *Catalog) Occasion(id domain.Occasion) (Occasion, bool) {
	occ, ok := c.occasions[id]
	return occ, ok
}

// Occasions lists the occasions offered in lang, keeping custom last.
func (c *Catalog) Occasions(lang string) []Occasion {
	lang = c.NormalizeLanguage(lang)
	out := make([]Occasion, 0, len(c.OccasionList))
	var custom *Occasion
	for _, occ := range c.OccasionList {
		if occ.ID == domain.OccasionCustom {
			o := occ
			custom = &o
			continue
		}
		if len(occ.Languages) > 0 && !containsFold(occ.Languages, lang) {
			continue
		}
		out = append(out, occ)
	}
	if custom != nil {
		out = append(out, *custom)
	}
	return out
}

// Vibe looks up a vibe by id.
func (c *Catalog) Vibe(id domain.Vibe) (Vibe, bool) {
	vibe, ok := c.vibes[id]
	return vibe, ok
}

// Vibes lists every vibe in catalog order.
func (c *Catalog) Vibes() []Vibe {
	out := make([]Vibe, len(c.VibeList))
	copy(out, c.VibeList)
	return out
}

// VibeFont returns the default font for a vibe. Hebrew cards use the Hebrew table.
func (c *Catalog) VibeFont(id domain.Vibe, lang string) (domain.FontConfig, bool) {
	vibe, ok := c.vibes[id]
	if !ok {
		return domain.FontConfig{}, false
	}
	if c.NormalizeLanguage(lang) == "he" {
		return vibe.HebrewFont.Config(), true
	}
	return vibe.LatinFont.Config(), true
}

// Language returns the catalog entry for a tag, falling back to English.
func (c *Catalog) Language(tag string) Language {
	return c.languages[c.NormalizeLanguage(tag)]
}

// Languages lists the supported languages in catalog order.
func (c *Catalog) Languages() []Language {
	out := make([]Language, len(c.LanguageList))
	copy(out, c.LanguageList)
	return out
}

// NormalizeLanguage reduces a BCP 47 tag such as "he-IL" to a supported base code.
func (c *Catalog) NormalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || c.matcher == nil {
		return DefaultLanguage
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return DefaultLanguage
	}
	base, _ := parsed.Base()
	code := strings.ToLower(base.String())
	if _, ok := c.languages[code]; ok {
		return code
	}
	_, index, confidence := c.matcher.Match(parsed)
	if confidence < language.High {
		return DefaultLanguage
	}
	matched, _ := c.tags[index].Base()
	return strings.ToLower(matched.String())
}

// Gradient returns the empty-state gradient stops for an occasion.
func (c *Catalog) Gradient(id *domain.Occasion) []string {
	if id != nil {
		if occ, ok := c.occasions[*id]; ok && len(occ.Gradient) == 3 {
			return occ.Gradient
		}
	}
	return c.DefaultGradient
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}
