package mailbox

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the ISO-8601 UTC millisecond form used throughout
// the coordinator's on-disk records.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the coordinator's canonical form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

const (
	stemDelimiter = "__"
	slugFallback  = "message"
	slugMaxLen    = 60
)

// fsTimestamp renders t for use inside a filename: the canonical form
// with ':' and '.' replaced by '-', keeping lexical order equal to
// chronological order.
func fsTimestamp(t time.Time) string {
	return strings.NewReplacer(":", "-", ".", "-").Replace(FormatTimestamp(t))
}

// randToken returns a 6-character opaque token for stem uniqueness.
func randToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// NewStem builds the canonical filename stem
// {threadId}__{timestamp}-{rand}__{slug} for a message created at now.
// The thread id must not contain the stem delimiter; Writer validates.
func NewStem(threadID, title string, now time.Time) string {
	return threadID + stemDelimiter + fsTimestamp(now) + "-" + randToken() + stemDelimiter + Slugify(title)
}

// ParseStem recovers thread id and title from a stem:
//
//	>= 3 tokens: threadId = first, title = rest after the second, rejoined
//	2 tokens:    threadId = first, title = second
//	1 token:     no threadId, title = whole stem
func ParseStem(stem string) (threadID, title string) {
	tokens := strings.Split(stem, stemDelimiter)
	switch {
	case len(tokens) >= 3:
		return tokens[0], strings.Join(tokens[2:], stemDelimiter)
	case len(tokens) == 2:
		return tokens[0], tokens[1]
	default:
		return "", stem
	}
}

// Slugify normalizes a title into the slug alphabet [a-z0-9-], at most 60
// characters, falling back to "message" when nothing survives.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > slugMaxLen {
		slug = strings.Trim(slug[:slugMaxLen], "-")
	}
	if slug == "" {
		return slugFallback
	}
	return slug
}
