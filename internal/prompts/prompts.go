package prompts

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/PerfectlyContent/cardmaker/internal/catalog"
	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

// SystemInstruction frames every single-shot card message request.
const SystemInstruction = "You are a greeting card writer. Write warm, heartfelt, and creative messages for greeting cards. Keep messages concise (30-50 words max). Do not include quotation marks around the message. Do not add any explanation or metadata — just the card message itself."

const fallbackImageQuery = "greeting card background texture"

// GenerationSettings carries the sampling parameters for a text generation call.
type GenerationSettings struct {
	Temperature     float32
	MaxOutputTokens int32
}

var (
	// CardGeneration is used for single card messages.
	CardGeneration = GenerationSettings{Temperature: 0.8, MaxOutputTokens: 150}
	// ChatGeneration is used for the free-form conversation.
	ChatGeneration = GenerationSettings{Temperature: 0.7, MaxOutputTokens: 500}
)

// CardInput is the subset of the wizard state that feeds the card prompt.
type CardInput struct {
	Occasion         *domain.Occasion
	RecipientType    domain.RecipientType
	RecipientName    string
	RecipientDetails string
	Vibe             *domain.Vibe
	IncludeQuote     bool
}

// InputFromCard extracts the prompt inputs from card data.
func InputFromCard(card domain.CardData) CardInput {
	return CardInput{
		Occasion:         card.Occasion,
		RecipientType:    card.RecipientType,
		RecipientName:    card.RecipientName,
		RecipientDetails: card.RecipientDetails,
		Vibe:             card.Vibe,
		IncludeQuote:     card.IncludeQuote,
	}
}

// BuildCardPrompt turns the guided wizard answers into a message prompt.
func BuildCardPrompt(cat *catalog.Catalog, input CardInput, lang string) string {
	parts := make([]string, 0, 7)

	if occ, ok := lookupOccasion(cat, input.Occasion); ok {
		parts = append(parts, fmt.Sprintf("Write a %s message", occ.Context))
	} else {
		parts = append(parts, "Write a greeting card message")
	}

	name := SanitizeUserText(input.RecipientName)
	switch {
	case input.RecipientType == domain.RecipientOne && name != "":
		parts = append(parts, " for "+name)
	case input.RecipientType == domain.RecipientMany && name != "":
		parts = append(parts, " for "+name)
	case input.RecipientType == domain.RecipientMany:
		parts = append(parts, " for a group of people")
	}

	if details := SanitizeUserText(input.RecipientDetails); details != "" {
		parts = append(parts, " ("+details+")")
	}

	if input.Vibe != nil {
		if vibe, ok := cat.Vibe(*input.Vibe); ok {
			parts = append(parts, ". The tone should be "+vibe.Tone)
		}
	}

	if input.IncludeQuote {
		parts = append(parts, ". You may include a short inspiring quote if it fits naturally")
	}

	parts = append(parts, ". Write the entire message in "+cat.Language(lang).Name)
	parts = append(parts, ". Keep it between 20-45 words. Make it personal and heartfelt.")

	return strings.Join(parts, "")
}

// BuildFreeFormPrompt wraps a user description into a message prompt.
func BuildFreeFormPrompt(cat *catalog.Catalog, userPrompt, lang string) string {
	return fmt.Sprintf(
		"Based on this description, write a greeting card message: \"%s\". Write in %s. Keep it between 20-45 words. Make it personal and heartfelt. Only output the card message text, nothing else.",
		SanitizeUserText(userPrompt),
		cat.Language(lang).Name,
	)
}

// CardContents prefixes the system instruction to a message prompt as a single user turn.
func CardContents(prompt string) []domain.ChatTurn {
	return []domain.ChatTurn{{Role: domain.ChatRoleUser, Text: SystemInstruction + "\n\n" + prompt}}
}

// BuildImageSearchQuery maps vibe and occasion to a stock-photo query.
func BuildImageSearchQuery(cat *catalog.Catalog, occasion *domain.Occasion, vibe *domain.Vibe) string {
	occ, hasOccasion := lookupOccasion(cat, occasion)

	if vibe != nil {
		if v, ok := cat.Vibe(*vibe); ok {
			if hasOccasion && occ.ImageHint != "" {
				return v.ImageQuery + " " + occ.ImageHint
			}
			return v.ImageQuery
		}
	}

	if occasion != nil && *occasion != "" {
		hint := occ.ImageHint
		if hint == "" {
			// Only the first underscore is replaced, e.g. "thank you".
			hint = strings.Replace(string(*occasion), "_", " ", 1)
		}
		return hint + " greeting card background"
	}

	return fallbackImageQuery
}

var (
	badImageWords   = regexp.MustCompile(`(?i)\b(cartoon|anime|illustration|drawing|clipart|3d)\b`)
	backgroundWords = regexp.MustCompile(`(?i)background|wallpaper|texture|pattern|abstract|gradient|bokeh`)
)

// CleanRawQuery strips words that pull in renders instead of backgrounds and
// makes sure the query asks for a background.
func CleanRawQuery(raw string) string {
	cleaned := strings.TrimSpace(badImageWords.ReplaceAllString(SanitizeUserText(raw), ""))
	if backgroundWords.MatchString(cleaned) {
		return cleaned
	}
	if cleaned == "" {
		return "aesthetic texture background"
	}
	return cleaned + " aesthetic texture background"
}

var (
	strictPolicy = bluemonday.StrictPolicy()
	whitespace   = regexp.MustCompile(`[ \t]+`)
)

// SanitizeUserText removes markup from user supplied text before it is placed in a prompt.
func SanitizeUserText(s string) string {
	if s == "" {
		return ""
	}
	cleaned := html.UnescapeString(strictPolicy.Sanitize(s))
	cleaned = whitespace.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

func lookupOccasion(cat *catalog.Catalog, id *domain.Occasion) (catalog.Occasion, bool) {
	if id == nil || *id == "" {
		return catalog.Occasion{}, false
	}
	return cat.Occasion(*id)
}
