package prompt

import (
	"strings"
	"unicode"
)

// LanguageFrench is the only language DetectLanguage recognizes today.
const LanguageFrench = "fr"

var (
	frenchRequests = []string{
		"en français",
		"répondez en français",
		"réponse française",
		"expliquez en français",
	}
	frenchWords = map[string]bool{
		"qu'est-ce": true, "expliquez": true, "pourquoi": true, "combien": true,
		"quel": true, "quelle": true, "quels": true, "quelles": true,
		"où": true, "quand": true, "définissez": true, "est-ce": true,
		"le": true, "la": true, "les": true, "des": true, "une": true,
		"est": true, "et": true, "je": true, "vous": true, "nous": true,
	}
	frenchAccents = "éèêàçùôîâûëï"
)

// DetectLanguage guesses the language of the user turns. An explicit request
// ("en français") wins; otherwise two independent signals are required so a
// stray "café" or "comment" in English text does not switch languages.
// Returns "" when nothing is recognized.
func DetectLanguage(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		lower := strings.ToLower(m.Content)
		for _, phrase := range frenchRequests {
			if strings.Contains(lower, phrase) {
				return LanguageFrench
			}
		}

		score := 0
		if strings.ContainsAny(lower, frenchAccents) {
			score++
		}
		seen := make(map[string]bool)
		for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r) && r != '\'' && r != '-'
		}) {
			if frenchWords[w] && !seen[w] {
				seen[w] = true
				score++
			}
		}
		if score >= 2 {
			return LanguageFrench
		}
	}
	return ""
}
