// Copyright 2024-2026 Aiku AI

package whatsappfmt

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"escapes html", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"bold", "*bold text*", "<b>bold text</b>"},
		{"italic", "_slanted_", "<i>slanted</i>"},
		{"italic after space", "so _very_ nice", "so <i>very</i> nice"},
		{"snake case untouched", "use snake_case_name here", "use snake_case_name here"},
		{"strike", "~gone~", "<s>gone</s>"},
		{"inline code", "run `rm -rf *` now", "run <code>rm -rf *</code> now"},
		{"code block", "```\nfunc main() {}\n```", "<pre>func main() {}</pre>"},
		{"code keeps markup", "```*not bold*```", "<pre>*not bold*</pre>"},
		{"quote lines merge", "> one\n> two\nafter", "<blockquote>one\ntwo</blockquote>\nafter"},
		{"spaced markers ignored", "2 * 3 * 4", "2 * 3 * 4"},
		{"mixed", "*hi* _there_ ~x~", "<b>hi</b> <i>there</i> <s>x</s>"},
	}
	for _, tt := range tests {
		if got := Parse(tt.in); got != tt.want {
			t.Errorf("%s: Parse(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestParseNeverLeaksPlaceholders(t *testing.T) {
	t.Parallel()
	got := Parse("`a` and ```b``` and `c`")
	if strings.Contains(got, "\x00") {
		t.Errorf("placeholder left in output: %q", got)
	}
}

func TestEscape(t *testing.T) {
	t.Parallel()
	if got := Escape(`<b>"x"</b>`); got != "&lt;b&gt;&#34;x&#34;&lt;/b&gt;" {
		t.Errorf("Escape: got %q", got)
	}
}

func FuzzParse(f *testing.F) {
	f.Add("*bold* _it_ ~s~")
	f.Add("```code```")
	f.Add("> quote")
	f.Add("`")
	f.Add(string([]byte{0x00}))
	f.Fuzz(func(t *testing.T, in string) {
		out := Parse(in)
		if out != Parse(in) {
			t.Errorf("non-deterministic output for %q", in)
		}
		if strings.Contains(out, "<script") {
			t.Errorf("unescaped tag in output for %q: %q", in, out)
		}
	})
}
