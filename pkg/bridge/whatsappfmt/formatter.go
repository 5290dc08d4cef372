// Copyright 2024-2026 Aiku AI

// Package whatsappfmt converts WhatsApp inline markup to Telegram HTML.
package whatsappfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe      = regexp.MustCompile(`\*(\S(?:[^*\n]*?\S)?)\*`)
	italicRe    = regexp.MustCompile(`(?:^|\b|\s)_(\S(?:[^_\n]*?\S)?)_`)
	strikeRe    = regexp.MustCompile(`~(\S(?:[^~\n]*?\S)?)~`)
	codeRe      = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe = regexp.MustCompile("(?s)```(.*?)```")
	quoteRe     = regexp.MustCompile(`^>\s?(.*)$`)
)

// Parse converts a WhatsApp message body to the HTML subset accepted by the
// Telegram Bot API. The result is always safe to send with parse mode HTML.
func Parse(text string) string {
	if text == "" {
		return ""
	}

	// Step 1: Pull code out so its contents are not formatted.
	var code []string
	placeholder := func(s string) string {
		idx := len(code)
		code = append(code, s)
		return "\x00CODE" + strconv.Itoa(idx) + "\x00"
	}
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := strings.Trim(codeBlockRe.FindStringSubmatch(match)[1], "\n")
		return placeholder("<pre>" + html.EscapeString(inner) + "</pre>")
	})
	processed = codeRe.ReplaceAllStringFunc(processed, func(match string) string {
		return placeholder("<code>" + html.EscapeString(codeRe.FindStringSubmatch(match)[1]) + "</code>")
	})

	// Step 2: Quotes, merged across consecutive lines.
	lines := strings.Split(processed, "\n")
	var result []string
	var quote []string
	flushQuote := func() {
		if len(quote) == 0 {
			return
		}
		result = append(result, "<blockquote>"+strings.Join(quote, "\n")+"</blockquote>")
		quote = nil
	}
	for _, line := range lines {
		if m := quoteRe.FindStringSubmatch(line); m != nil {
			quote = append(quote, inline(html.EscapeString(m[1])))
			continue
		}
		flushQuote()
		result = append(result, inline(html.EscapeString(line)))
	}
	flushQuote()
	formatted := strings.Join(result, "\n")

	// Step 3: Restore code.
	for i, c := range code {
		formatted = strings.Replace(formatted, "\x00CODE"+strconv.Itoa(i)+"\x00", c, 1)
	}
	return formatted
}

func inline(s string) string {
	s = boldRe.ReplaceAllString(s, "<b>$1</b>")
	s = italicRe.ReplaceAllStringFunc(s, func(match string) string {
		lead := ""
		if match != "" && match[0] != '_' {
			lead = match[:1]
		}
		return lead + "<i>" + italicRe.FindStringSubmatch(match)[1] + "</i>"
	})
	s = strikeRe.ReplaceAllString(s, "<s>$1</s>")
	return s
}

// Escape makes plain text safe for parse mode HTML.
func Escape(s string) string {
	return html.EscapeString(s)
}
