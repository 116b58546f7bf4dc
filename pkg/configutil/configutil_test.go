package configutil

import (
	"strings"
	"testing"
)

func TestDecodeSettingsKeyNormalization(t *testing.T) {
	var out struct {
		AccountSID string `mapstructure:"account_sid"`
		AuthToken  string `mapstructure:"auth_token"`
	}
	in := map[string]any{
		"ACCOUNT-SID": "AC123",
		"auth_token":  "tok",
	}
	if err := DecodeSettings(in, &out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.AccountSID != "AC123" || out.AuthToken != "tok" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestValidateSettingsMissingAndUnknown(t *testing.T) {
	schema := Schema{
		Required: []string{"account_sid", "auth_token"},
		Optional: []string{"public_url"},
	}
	err := ValidateSettings(map[string]any{
		"account_sid": "AC123",
		"mystery":     true,
	}, schema)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "auth_token") {
		t.Fatalf("expected missing auth_token, got %v", err)
	}
	if !strings.Contains(err.Error(), "mystery") {
		t.Fatalf("expected unknown mystery, got %v", err)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "openai.api_key"); err == nil {
		t.Fatalf("expected error for blank value")
	}
	if err := RequireString("sk-test", "openai.api_key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
