package shopping

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"dealscout/internal/models"
)

const (
	WelcomeMessage = "Greetings, I will help you find the best deals on eBay and Amazon. What are you looking for today?"
	ApologyMessage = "Sorry, I had an error connecting to the AI. Please try again."

	persistFailedMessage = "Sorry, I couldn't save your conversation. Please try again."
	notFoundMessage      = "That conversation could not be found."
	emptyMessage         = "Please tell me what you're looking for."
)

// SystemPrompt renders the assistant instructions for the given day, with the
// user's retrieved search history appended when present.
func SystemPrompt(now time.Time, memoryContext string) string {
	prompt := fmt.Sprintf("You are a helpful search assistant for eBay and Amazon. Today's date is %s. "+
		"Your goal is to ask the user 1-2 follow-up questions to get key details "+
		"(like model, color, size, condition, storage, or budget) to refine their search. "+
		"Once you have enough details, your *very last* message must ONLY be the "+
		"final search query, prefixed with 'FINAL_QUERY:'. "+
		"For example: 'FINAL_QUERY: iPhone 15 Pro Max 256GB new'. "+
		"IMPORTANT: Do not make assumptions about product availability. Focus on gathering search details.",
		now.Format("January 02, 2006"))
	if memoryContext = strings.TrimSpace(memoryContext); memoryContext != "" {
		prompt += "\n\n" + memoryContext
	}
	return prompt
}

// RejectionMessage explains why a search was held back.
func RejectionMessage(query string, v models.Verification) string {
	switch v.ReleaseStatus {
	case models.ReleaseUpcoming:
		return fmt.Sprintf("The '%s' hasn't been released yet. %s Would you like to search for a currently available alternative?", query, v.Info)
	case models.ReleaseRumored:
		return fmt.Sprintf("The '%s' is only rumored. %s Would you like to search anyway, or look for something else?", query, v.Info)
	default:
		return fmt.Sprintf("I couldn't find reliable information about '%s'. %s Would you like to search for something else?", query, v.Info)
	}
}

// ResultsMessage summarizes a completed search.
func ResultsMessage(labels string, sourceCount int, query string) string {
	if sourceCount == 2 {
		labels = "both " + labels
	}
	if labels == "" {
		labels = "the marketplaces"
	}
	return fmt.Sprintf("Great! I searched %s for: '%s'", labels, query)
}

var descriptorPattern = regexp.MustCompile(`(?i)\b(?:black|white|blue|red|green|gold|silver|gray|grey|pink|purple|yellow|orange|midnight|starlight|graphite|new|used|refurbished|renewed|pre-owned|open-box|mint)\b`)

// VerificationQuery drops color and condition words, which are rarely part
// of a product's canonical name. The original query is returned when nothing
// else would remain.
func VerificationQuery(query string) string {
	stripped := strings.Join(strings.Fields(descriptorPattern.ReplaceAllString(query, " ")), " ")
	if stripped == "" {
		return strings.TrimSpace(query)
	}
	return stripped
}

func conversationTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > 50 {
		return strings.TrimSpace(string(runes[:50])) + "..."
	}
	if text == "" {
		return models.DefaultConversationTitle
	}
	return text
}
