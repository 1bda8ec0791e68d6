package notifications

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Render builds the outgoing text: title, blank line, body, then the link
// on its own line. The body is shortened so the whole text fits maxLen
// runes; maxLen <= 0 means no limit.
func Render(rec *Record, maxLen int) (string, error) {
	title := strings.TrimSpace(rec.Title)
	body := strings.TrimSpace(rec.Body)
	if title == "" && body == "" {
		return "", ErrEmptyMessage
	}

	link := strings.TrimSpace(rec.Link)
	if link != "" {
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidLink, link)
		}
	}

	head := title
	if head != "" && body != "" {
		head += "\n\n"
	}
	tail := ""
	if link != "" {
		tail = "\n" + link
	}

	if maxLen > 0 {
		room := maxLen - utf8.RuneCountInString(head) - utf8.RuneCountInString(tail)
		if room < 0 {
			return "", fmt.Errorf("title and link exceed %d characters", maxLen)
		}
		body = truncateRunes(body, room)
	}
	return head + body + tail, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 1 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-1]) + "…"
}
