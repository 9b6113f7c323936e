// Package validation provides the identifier rules shared by samples,
// alert rules and notification channels.
package validation

import (
	"fmt"
	"unicode"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for an identifier.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowColons  bool
}

// ChannelNameRules returns the rules for notification channel names. Names
// are referenced from YAML rule files, so they stay plain.
func ChannelNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// DeviceIDRules returns the rules for appliance identifiers. Colons allow
// "site:fw1" style IDs and IPv6 literals.
func DeviceIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowColons:  true,
	}
}

// ValidateName checks value against rules. The returned error matches
// errors.ErrValidation and names field.
func ValidateName(field, value string, rules NameRules) error {
	if len(value) < rules.MinLength {
		if value == "" {
			return errors.NewMissingField(field)
		}
		return errors.NewInvalidValue(field, value, fmt.Sprintf("minimum %d characters", rules.MinLength))
	}
	if len(value) > rules.MaxLength {
		return errors.NewValidation(field, fmt.Sprintf("maximum %d characters", rules.MaxLength))
	}

	if value == "." || value == ".." {
		return errors.NewInvalidValue(field, value, "cannot be '.' or '..'")
	}
	if value[0] == '.' {
		return errors.NewInvalidValue(field, value, "cannot start with '.'")
	}

	for i, r := range value {
		if r < 32 || r == 127 {
			return errors.NewValidation(field, fmt.Sprintf("control character at position %d", i))
		}
		if r == '/' || r == '\\' {
			return errors.NewInvalidValue(field, value, fmt.Sprintf("path separator at position %d", i))
		}
		if !isAllowedNameChar(r, rules) {
			return errors.NewInvalidValue(field, value, fmt.Sprintf("invalid character '%c' at position %d", r, i))
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ':':
		return rules.AllowColons
	}
	return false
}

// ValidateDeviceID validates an appliance identifier.
func ValidateDeviceID(id string) error {
	return ValidateName("device_id", id, DeviceIDRules())
}

// ValidateChannelName validates a notification channel name.
func ValidateChannelName(name string) error {
	return ValidateName("name", name, ChannelNameRules())
}
