// Copyright 2024-2026 Aiku AI

// Package telegramfmt converts Telegram message entities to WhatsApp inline
// markup.
package telegramfmt

import (
	"sort"
	"unicode/utf16"
)

// Entity types handled by Parse. Other types pass through unformatted.
const (
	Bold          = "bold"
	Italic        = "italic"
	Underline     = "underline"
	Strikethrough = "strikethrough"
	Spoiler       = "spoiler"
	Code          = "code"
	Pre           = "pre"
	TextLink      = "text_link"
	Blockquote    = "blockquote"
)

// Entity is a formatting span. Offset and Length count UTF-16 code units,
// as the Bot API does.
type Entity struct {
	Type   string
	Offset int
	Length int
	URL    string
}

var markers = map[string]string{
	Bold:          "*",
	Italic:        "_",
	Strikethrough: "~",
	Code:          "`",
	Pre:           "```",
}

type mark struct {
	pos   int
	open  bool
	text  string
	start int
	end   int
	idx   int
}

// Parse renders text with its entities as WhatsApp markup. Spans are
// shrunk to exclude surrounding whitespace, since WhatsApp ignores markers
// that touch a space.
func Parse(text string, entities []Entity) string {
	if len(entities) == 0 {
		return text
	}
	units := utf16.Encode([]rune(text))

	var marks []mark
	for idx, e := range entities {
		start, end := e.Offset, e.Offset+e.Length
		if start < 0 || end > len(units) || start >= end {
			continue
		}
		if e.Type != Pre && e.Type != Code {
			for start < end && isSpace(units[start]) {
				start++
			}
			for end > start && isSpace(units[end-1]) {
				end--
			}
			if start == end {
				continue
			}
		}
		switch e.Type {
		case TextLink:
			if e.URL == "" {
				continue
			}
			marks = append(marks, mark{pos: end, text: " (" + e.URL + ")", start: start, end: end, idx: idx})
		case Blockquote:
			marks = append(marks, mark{pos: start, open: true, text: "> ", start: start, end: end, idx: idx})
		default:
			m, ok := markers[e.Type]
			if !ok {
				continue
			}
			marks = append(marks,
				mark{pos: start, open: true, text: m, start: start, end: end, idx: idx},
				mark{pos: end, text: m, start: start, end: end, idx: idx},
			)
		}
	}

	// At one position closes go before opens. Inner spans close first and
	// outer spans open first.
	sort.Slice(marks, func(i, j int) bool {
		a, b := marks[i], marks[j]
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		if a.open != b.open {
			return !a.open
		}
		if a.open {
			if a.end != b.end {
				return a.end > b.end
			}
			return a.idx < b.idx
		}
		if a.start != b.start {
			return a.start > b.start
		}
		return a.idx > b.idx
	})

	var out []uint16
	mi := 0
	for i := 0; i <= len(units); i++ {
		for mi < len(marks) && marks[mi].pos == i {
			out = append(out, utf16.Encode([]rune(marks[mi].text))...)
			mi++
		}
		if i < len(units) {
			out = append(out, units[i])
		}
	}
	return string(utf16.Decode(out))
}

// HasSpoiler reports whether any entity hides its text.
func HasSpoiler(entities []Entity) bool {
	for _, e := range entities {
		if e.Type == Spoiler {
			return true
		}
	}
	return false
}

func isSpace(u uint16) bool {
	switch u {
	case ' ', '\t', '\n', '\r', 0xA0:
		return true
	}
	return false
}
