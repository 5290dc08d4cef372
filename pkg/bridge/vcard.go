// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

var vcardTelRe = regexp.MustCompile(`(?mi)^(?:item\d+\.)?TEL[^:\r\n]*:(.*?)\r?$`)

// PhoneFromVCard returns the first telephone number of a vCard.
func PhoneFromVCard(vcard string) string {
	m := vcardTelRe.FindStringSubmatch(vcard)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// BuildVCard renders a minimal vCard 3.0 for a shared contact.
func BuildVCard(displayName, phone string) string {
	first, last, _ := strings.Cut(strings.TrimSpace(displayName), " ")
	return fmt.Sprintf("BEGIN:VCARD\nVERSION:3.0\nN:%s;%s;;;\nFN:%s\nTEL;TYPE=CELL:%s\nEND:VCARD",
		strings.TrimSpace(last), first, strings.TrimSpace(displayName), phone)
}
