package engine

import (
	"math"
	"unicode/utf8"
)

// Tokenizer counts tokens for engines that do not report usage.
type Tokenizer interface {
	Count(text string) int
}

// Estimator approximates token counts from the rune length of the text.
type Estimator struct {
	CharsPerToken float64
}

const DefaultCharsPerToken = 4.0

func (e Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	per := e.CharsPerToken
	if per <= 0 {
		per = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / per))
}
