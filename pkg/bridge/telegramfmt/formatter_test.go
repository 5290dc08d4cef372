// Copyright 2024-2026 Aiku AI

package telegramfmt

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		text     string
		entities []Entity
		want     string
	}{
		{"no entities", "plain", nil, "plain"},
		{"bold", "hello world", []Entity{{Type: Bold, Offset: 0, Length: 5}}, "*hello* world"},
		{"italic trailing space trimmed", "hi there", []Entity{{Type: Italic, Offset: 0, Length: 3}}, "_hi_ there"},
		{"strike", "old new", []Entity{{Type: Strikethrough, Offset: 0, Length: 3}}, "~old~ new"},
		{"code", "run ls", []Entity{{Type: Code, Offset: 4, Length: 2}}, "run `ls`"},
		{"pre", "x\ny", []Entity{{Type: Pre, Offset: 0, Length: 3}}, "```x\ny```"},
		{
			"nested bold italic",
			"ab",
			[]Entity{{Type: Bold, Offset: 0, Length: 2}, {Type: Italic, Offset: 0, Length: 2}},
			"*_ab_*",
		},
		{
			"text link",
			"see docs",
			[]Entity{{Type: TextLink, Offset: 4, Length: 4, URL: "https://example.com"}},
			"see docs (https://example.com)",
		},
		{"underline ignored", "u", []Entity{{Type: Underline, Offset: 0, Length: 1}}, "u"},
		{"out of range ignored", "abc", []Entity{{Type: Bold, Offset: 2, Length: 5}}, "abc"},
		{
			// The emoji is two UTF-16 units, so "bold" starts at offset 3.
			"utf16 offsets",
			"😀 bold",
			[]Entity{{Type: Bold, Offset: 3, Length: 4}},
			"😀 *bold*",
		},
		{"blockquote", "quoted", []Entity{{Type: Blockquote, Offset: 0, Length: 6}}, "> quoted"},
	}
	for _, tt := range tests {
		if got := Parse(tt.text, tt.entities); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestHasSpoiler(t *testing.T) {
	t.Parallel()
	if HasSpoiler([]Entity{{Type: Bold}}) {
		t.Error("bold is not a spoiler")
	}
	if !HasSpoiler([]Entity{{Type: Bold}, {Type: Spoiler}}) {
		t.Error("spoiler not detected")
	}
}

func FuzzParse(f *testing.F) {
	f.Add("hello world", 0, 5)
	f.Add("😀😀", 1, 2)
	f.Add("", 0, 0)
	f.Add("abc", -1, 10)
	f.Fuzz(func(t *testing.T, text string, offset, length int) {
		ents := []Entity{{Type: Bold, Offset: offset, Length: length}, {Type: Italic, Offset: offset, Length: length}}
		got := Parse(text, ents)
		if got != Parse(text, ents) {
			t.Errorf("non-deterministic output for %q", text)
		}
	})
}
