package thread

import (
	"strings"

	"github.com/sidethreads/internal/model"
)

const (
	NameMaxRunes    = 48
	PreviewMaxRunes = 120
)

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// DeriveName builds the thread name from the originating message text.
func DeriveName(text string) string {
	name := strings.Join(strings.Fields(text), " ")
	if name == "" {
		return "Thread"
	}
	return Truncate(name, NameMaxRunes)
}

// PreviewFor returns the lastMessagePreview string for a payload.
func PreviewFor(p model.Payload) string {
	switch v := p.(type) {
	case model.Text:
		return Truncate(strings.TrimSpace(v.Text), PreviewMaxRunes)
	case model.GIF:
		return "Shared a GIF"
	case model.File:
		return Truncate("Shared "+v.Name, PreviewMaxRunes)
	case model.Poll:
		return Truncate("Poll: "+strings.TrimSpace(v.Question), PreviewMaxRunes)
	case model.Form:
		return Truncate("Form: "+strings.TrimSpace(v.Title), PreviewMaxRunes)
	case model.System:
		return Truncate(v.Text, PreviewMaxRunes)
	}
	return ""
}

// ValidatePayload applies the type-specific rules of a user-authored message.
// System payloads are never accepted from callers.
func ValidatePayload(p model.Payload) error {
	switch v := p.(type) {
	case nil:
		return invalid("type", "message payload is required")
	case model.Text:
		if strings.TrimSpace(v.Text) == "" {
			return invalid("text", "text must not be empty")
		}
	case model.GIF:
		if strings.TrimSpace(v.URL) == "" {
			return invalid("url", "gif url is required")
		}
	case model.File:
		if strings.TrimSpace(v.Name) == "" || strings.TrimSpace(v.URL) == "" {
			return invalid("file", "file name and url are required")
		}
		if v.Size < 0 {
			return invalid("file.size", "size must not be negative")
		}
	case model.Poll:
		if strings.TrimSpace(v.Question) == "" {
			return invalid("poll.question", "question is required")
		}
		if countNonBlank(v.Options) < 2 {
			return invalid("poll.options", "poll needs at least 2 options")
		}
	case model.Form:
		if strings.TrimSpace(v.Title) == "" {
			return invalid("form.title", "title is required")
		}
		if countNonBlank(v.Questions) < 1 {
			return invalid("form.questions", "form needs at least 1 question")
		}
	case model.System:
		return invalid("type", "system messages cannot be posted")
	}
	return nil
}

// Normalize trims text fields and drops blank poll options and form questions.
// Vote and response maps are reset: they only change through votes.
func Normalize(p model.Payload) model.Payload {
	switch v := p.(type) {
	case model.Text:
		v.Text = strings.TrimSpace(v.Text)
		return v
	case model.GIF:
		v.URL = strings.TrimSpace(v.URL)
		return v
	case model.File:
		v.Name = strings.TrimSpace(v.Name)
		v.URL = strings.TrimSpace(v.URL)
		return v
	case model.Poll:
		v.Question = strings.TrimSpace(v.Question)
		v.Options = nonBlank(v.Options)
		v.VotesByUser = map[string]int{}
		return v
	case model.Form:
		v.Title = strings.TrimSpace(v.Title)
		v.Questions = nonBlank(v.Questions)
		v.Responses = map[string][]string{}
		return v
	}
	return p
}

func countNonBlank(ss []string) int {
	n := 0
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

func nonBlank(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
