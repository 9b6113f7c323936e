package validation

import (
	"strings"
	"testing"

	"github.com/xtxerr/bandwatch/internal/errors"
)

func TestValidateChannelName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "pager", false},
		{"with hyphen", "noc-hook", false},
		{"with underscore", "noc_log", false},
		{"numbers", "123", false},
		{"mixed", "ops-hook_2", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"with dot", "noc.hook", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"space", "a b", true},
		{"colon", "a:b", true},
		{"too long", strings.Repeat("a", 256), true},
		{"max length", strings.Repeat("a", 255), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChannelName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.IsValidation(err) {
				t.Errorf("ValidateChannelName(%q) error %v is not a validation error", tt.input, err)
			}
		})
	}
}

func TestValidateDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "fw1", false},
		{"fqdn", "fw1.dc1.example.net", false},
		{"site prefix", "dc1:fw-01", false},
		{"ipv6", "2001:db8::1", false},
		{"underscore", "fw_1", false},
		{"empty", "", true},
		{"hidden", ".fw1", true},
		{"slash", "dc1/fw1", true},
		{"space", "fw 1", true},
		{"nul", "fw\x001", true},
		{"too long", strings.Repeat("f", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDeviceID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNameMissing(t *testing.T) {
	err := ValidateDeviceID("")
	if !errors.Is(err, errors.ErrMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	if !strings.Contains(err.Error(), "device_id") {
		t.Errorf("error %q does not name the field", err)
	}
}
