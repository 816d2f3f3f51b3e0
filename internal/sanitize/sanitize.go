// Package sanitize очищает пользовательский текст на границе HTTP/WebSocket:
// треды хранят только plain text, любая разметка вырезается.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sidethreads/internal/model"
)

var policy = bluemonday.StrictPolicy()

const maxPasses = 8

// Text strips all markup and returns plain text. Entities are decoded before
// the policy runs, and passes repeat until the value is stable, so markup
// hidden behind entities or split around a stripped tag does not survive.
func Text(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return s
	}
	for i := 0; i < maxPasses; i++ {
		next := html.UnescapeString(policy.Sanitize(html.UnescapeString(s)))
		if next == s {
			return s
		}
		s = next
	}
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

func list(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Text(s)
	}
	return out
}

// Payload cleans every user-authored string of the payload. URLs and storage
// paths are left to ValidatePayload.
func Payload(p model.Payload) model.Payload {
	switch v := p.(type) {
	case model.Text:
		v.Text = Text(v.Text)
		return v
	case model.File:
		v.Name = Text(v.Name)
		return v
	case model.Poll:
		v.Question = Text(v.Question)
		v.Options = list(v.Options)
		return v
	case model.Form:
		v.Title = Text(v.Title)
		v.Questions = list(v.Questions)
		return v
	}
	return p
}

// Mentions cleans display fields; uids are opaque and kept as is.
func Mentions(ms []model.Mention) []model.Mention {
	if ms == nil {
		return nil
	}
	out := make([]model.Mention, len(ms))
	for i, m := range ms {
		m.Handle = Text(m.Handle)
		m.Label = Text(m.Label)
		out[i] = m
	}
	return out
}
