package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestValidChainAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},
		{"0xABC", false},
		{"tooshort", false},
	}

	for _, tc := range tests {
		err := ValidChainAddress("addr", tc.addr)()
		if (err == nil) != tc.valid {
			t.Errorf("ValidChainAddress(%q) valid = %v, want %v", tc.addr, err == nil, tc.valid)
		}
	}
}

func TestValidDisputeReason(t *testing.T) {
	if err := ValidDisputeReason("reason", "short")(); err == nil {
		t.Error("accepted a reason under 10 characters")
	}
	if err := ValidDisputeReason("reason", "   pad    ")(); err == nil {
		t.Error("accepted a whitespace-padded short reason")
	}
	if err := ValidDisputeReason("reason", "work was never delivered")(); err != nil {
		t.Errorf("rejected a valid reason: %v", err)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("name", "Acme"),
		ValidChainAddress("address", "0x1234567890123456789012345678901234567890"),
		ValidAmount("amount", "1.5"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("name", ""),
		ValidAmount("amount", "0"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d: %v", len(errors), errors)
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.00000001", true},

		// Invalid
		{"0", false},
		{"0.000", false},
		{".50", false},
		{"1.", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}
