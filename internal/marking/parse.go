// Package marking runs batched attendance marking: one scanned QR token is
// redeemed for many selected students, with progress tracked in an in-memory
// session the Mini App polls.
package marking

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	groupRe      = regexp.MustCompile(`\b[А-ЯЁ]{4}-\d{2}-\d{2}\b`)
	groupExactRe = regexp.MustCompile(`^[А-ЯЁ]{4}-\d{2}-\d{2}$`)
	cyrillicRe   = regexp.MustCompile(`[^А-Яа-яЁё\s]`)
	spacesRe     = regexp.MustCompile(`\s+`)
)

// LessonInfo is what the portal's confirmation text tells us about the lesson
// that was just marked. Empty fields mean the text carried no such part.
type LessonInfo struct {
	Group   string
	Subject string
}

// Recognized reports whether anything usable was found. A confirmation with
// neither group nor subject almost always means the token had expired and the
// portal answered with an error page.
func (i LessonInfo) Recognized() bool {
	return i.Group != "" || i.Subject != ""
}

// ExtractInfo pulls the group and subject out of a confirmation text like
// "А-20 | Системы искусственного интеллекта | ПР | Иванов Иван | БСБО-31-24".
// The subject is the longest segment that is not the group code, not a short
// abbreviation, not a season marker and not a personal name.
func ExtractInfo(text string) LessonInfo {
	if len(strings.TrimSpace(text)) < 5 {
		return LessonInfo{}
	}

	var info LessonInfo
	info.Group = groupRe.FindString(text)

	if strings.Contains(text, " | ") {
		info.Subject = longestSubjectCandidate(strings.Split(text, " | "))
		return info
	}

	// Old single-line format: everything before the group code, Cyrillic only.
	before := text
	if loc := groupRe.FindStringIndex(text); loc != nil {
		before = text[:loc[0]]
	}
	cleaned := spacesRe.ReplaceAllString(cyrillicRe.ReplaceAllString(before, ""), " ")
	info.Subject = strings.TrimSpace(cleaned)
	return info
}

func longestSubjectCandidate(parts []string) string {
	var best string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if groupExactRe.MatchString(part) {
			continue
		}
		if utf8.RuneCountInString(part) <= 5 {
			continue
		}
		if part == "Осень" || part == "Весна" {
			continue
		}
		if isPersonName(part) {
			continue
		}
		if utf8.RuneCountInString(part) > utf8.RuneCountInString(best) {
			best = part
		}
	}
	return best
}

// isPersonName matches 1-3 words, each starting with an uppercase letter and
// shorter than 15 runes. That is how the portal prints teacher names.
func isPersonName(s string) bool {
	words := strings.Fields(s)
	if len(words) < 1 || len(words) > 3 {
		return false
	}
	for _, w := range words {
		r, _ := utf8.DecodeRuneInString(w)
		if !unicode.IsUpper(r) || utf8.RuneCountInString(w) >= 15 {
			return false
		}
	}
	return true
}

// TakeToken extracts the attendance token from a scanned QR URL: everything
// after the first "=" of the query string.
func TakeToken(url string) (string, error) {
	_, query, ok := strings.Cut(url, "?")
	if !ok {
		return "", errNoToken
	}
	_, token, ok := strings.Cut(query, "=")
	if !ok || token == "" {
		return "", errNoToken
	}
	return token, nil
}
