// Package redact masks phone numbers before they reach logs or exports.
package redact

import (
	"regexp"
	"strings"

	"github.com/prismaqf/callblocker/internal/config"
)

// MaskRune replaces hidden digits.
const MaskRune = '*'

// DefaultVisibleDigits is used when the configuration leaves it unset.
const DefaultVisibleDigits = 4

// Masker hides all but the trailing digits of a phone number. A nil Masker
// returns its input unchanged.
type Masker struct {
	visible       int
	numberPattern *regexp.Regexp
}

// New creates a Masker keeping the last visible digits.
func New(visible int) *Masker {
	if visible < 0 {
		visible = 0
	}
	return &Masker{
		visible: visible,
		// Digit runs of 6+ with optional leading + and separators
		numberPattern: regexp.MustCompile(`\+?\d[\d\s().-]{4,}\d`),
	}
}

// FromConfig returns a Masker for logs (forExport false) or exports
// (forExport true), or nil when masking is disabled for that sink.
func FromConfig(cfg *config.PrivacyConfig, forExport bool) *Masker {
	enabled := cfg.MaskNumbersInLogs
	if forExport {
		enabled = cfg.MaskNumbersInExports
	}
	if !enabled {
		return nil
	}
	visible := cfg.VisibleDigits
	if visible == 0 {
		visible = DefaultVisibleDigits
	}
	return New(visible)
}

// Mask hides every digit except the last m.visible ones. Non-digit characters
// such as a leading + or separators are kept so the shape stays recognisable.
func (m *Masker) Mask(number string) string {
	if m == nil || number == "" {
		return number
	}

	digits := 0
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	hide := digits - m.visible
	if digits <= m.visible {
		hide = digits
	}

	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' && hide > 0 {
			b.WriteRune(MaskRune)
			hide--
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MaskText masks phone-number-like runs inside free text, such as a contact
// description that embeds a number.
func (m *Masker) MaskText(s string) string {
	if m == nil || s == "" {
		return s
	}
	return m.numberPattern.ReplaceAllStringFunc(s, m.Mask)
}
