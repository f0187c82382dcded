package reformatter

import (
	"regexp"
	"strconv"
)

var onesWords = [...]string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tensWords = [...]string{
	"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
}

// wordsForInt spells out 0-99 as English cardinals. Three-or-more-digit
// numbers are the caller's responsibility to leave untouched.
func wordsForInt(n int) string {
	if n < 20 {
		return onesWords[n]
	}
	tens, ones := n/10, n%10
	if ones == 0 {
		return tensWords[tens]
	}
	return tensWords[tens] + "-" + onesWords[ones]
}

var numberToken = regexp.MustCompile(`\b\d+\b`)

// SpellOutNumbers replaces every standalone 1-2 digit integer token in
// text with its English cardinal word form; tokens of 3+ digits are
// left unchanged (spec §4.8 supplemented text-normalization pass).
func SpellOutNumbers(text string) string {
	return numberToken.ReplaceAllStringFunc(text, func(tok string) string {
		if len(tok) > 2 {
			return tok
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return tok
		}
		return wordsForInt(n)
	})
}
