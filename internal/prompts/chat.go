package prompts

import (
	"regexp"
	"strings"

	"github.com/PerfectlyContent/cardmaker/internal/catalog"
	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

const (
	cardReadyOpen  = "---CARD_READY---"
	cardReadyClose = "---END_CARD---"
	openingLine    = "Hi, I want to create a greeting card."
	continueReply  = "OK"
)

// ChatSystemPrompt instructs the assistant to interview the user and finish with a card block.
const ChatSystemPrompt = `You are a friendly greeting card assistant helping someone create the perfect greeting card. Your job is to have a natural, brief conversation to understand what they need, then produce the final card content.

RULES:
- Ask short, warm, conversational questions — one at a time
- Keep your messages under 25 words
- You need to find out: who the card is for, what the occasion is, what tone/mood they want, and any personal details
- After you have enough info (usually 3-5 exchanges), tell the user you're ready and produce the card
- When ready, respond with EXACTLY this format — no other text before or after:

---CARD_READY---
occasion: <one of: birthday, holiday, thank_you, congratulations, graduation, wedding, new_baby, get_well, love, jewish_holiday, ramadan, christmas, new_year, mothers_day, fathers_day, friendship, miss_you, good_luck, custom>
style: <one of: cute, elegant, minimalist, bold, festive, floral, abstract, vintage, modern, playful>
tone: <one of: heartfelt, funny, formal, casual, poetic, inspirational>
recipient: <name or description>
details: <any personal details gathered>
message: <the final greeting card message, 20-50 words>
---END_CARD---

- IMPORTANT: Only output the ---CARD_READY--- block when you have gathered enough information
- The message should be written in the SAME LANGUAGE the user is chatting in
- Do NOT ask more than 5 questions total — gather info efficiently
- Be warm and enthusiastic but concise`

var (
	cardBlockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(cardReadyOpen) + `(.*?)` + regexp.QuoteMeta(cardReadyClose))
	// Greedy so that everything between the first open and last close goes.
	strayBlockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(cardReadyOpen) + `.*` + regexp.QuoteMeta(cardReadyClose))
	fieldPatterns     = map[string]*regexp.Regexp{}
)

func init() {
	for _, key := range []string{"occasion", "style", "tone", "recipient", "details", "message"} {
		fieldPatterns[key] = regexp.MustCompile(key + `:[ \t\r\n\f\v]*(.+)`)
	}
}

// Greeting returns the assistant's opening line in lang.
func Greeting(cat *catalog.Catalog, lang string) string {
	return cat.Language(lang).Greeting
}

// ChatContents builds the seeded transcript for one chat turn. The system prompt
// rides in the first user turn and the model's greeting follows it.
func ChatContents(cat *catalog.Catalog, history []domain.ChatTurn, userMessage, lang string) []domain.ChatTurn {
	code := cat.NormalizeLanguage(lang)

	opening := ""
	reply := continueReply
	if len(history) == 0 {
		opening = openingLine
		reply = Greeting(cat, code)
	}

	contents := make([]domain.ChatTurn, 0, len(history)+3)
	contents = append(contents,
		domain.ChatTurn{
			Role: domain.ChatRoleUser,
			Text: ChatSystemPrompt + "\n\nThe user's language is: " + code + ". Respond in the same language the user writes in.\n\nUser: " + opening,
		},
		domain.ChatTurn{Role: domain.ChatRoleModel, Text: reply},
	)
	for _, turn := range history {
		role := turn.Role
		if role == domain.ChatRoleAssistant {
			role = domain.ChatRoleModel
		}
		contents = append(contents, domain.ChatTurn{Role: role, Text: turn.Text})
	}
	contents = append(contents, domain.ChatTurn{Role: domain.ChatRoleUser, Text: userMessage})
	return contents
}

// ParseCardReady extracts the card block from an assistant reply. It returns nil
// when the reply carries no block.
func ParseCardReady(response string) *domain.CardReady {
	match := cardBlockPattern.FindStringSubmatch(response)
	if match == nil {
		return nil
	}
	block := match[1]
	get := func(key string) string {
		m := fieldPatterns[key].FindStringSubmatch(block)
		if m == nil {
			return ""
		}
		return strings.TrimSpace(m[1])
	}
	return &domain.CardReady{
		Occasion:  get("occasion"),
		Style:     get("style"),
		Tone:      get("tone"),
		Recipient: get("recipient"),
		Details:   get("details"),
		Message:   get("message"),
	}
}

// StripCardBlock removes a stray card block from a conversational reply. When
// nothing remains the original reply is returned.
func StripCardBlock(response string) string {
	cleaned := strings.TrimSpace(strayBlockPattern.ReplaceAllString(response, ""))
	if cleaned == "" {
		return response
	}
	return cleaned
}
