package content

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var shortcodePattern = regexp.MustCompile(`\[/?[A-Za-z][\w-]*(?:\s[^\]]*)?/?\]`)

// Tags that break words apart when removed.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"td": true, "th": true, "tr": true, "table": true, "section": true, "article": true,
	"blockquote": true, "figcaption": true, "hr": true, "pre": true,
}

// StripMarkup returns the visible text of an HTML fragment with shortcodes
// removed, entities decoded and whitespace collapsed.
func StripMarkup(s string) string {
	if s == "" {
		return ""
	}
	s = shortcodePattern.ReplaceAllString(s, " ")

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	hidden := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				hidden++
				continue
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && hidden > 0 {
				hidden--
				continue
			}
			if blockTags[tag] {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// CountWords counts runs of letters and digits after stripping markup.
// Combining marks stay attached to the letter they follow.
func CountWords(s string) int {
	text := norm.NFC.String(StripMarkup(s))
	return len(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.IsMark(r)
	}))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
