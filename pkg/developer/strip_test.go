package developer

import "testing"

func TestStripInvalidChars(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My/App:Name.ipa", "MyAppNameipa"},
		{`a\b*c?d"e<f>g|h`, "abcdefgh"},
		{"Ada's iPhone", "Ada's iPhone"},
		{"tab\there\nnewline", "tabherenewline"},
		{"Café ☕", "Caf "},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := StripInvalidChars(tt.in); got != tt.want {
				t.Errorf("StripInvalidChars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
