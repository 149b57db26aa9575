package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter stays", "abc", 10, "abc"},
		{"exact length stays", "abcd", 4, "abcd"},
		{"one over truncates", "abcde", 4, "abcd…"},
		{"zero limit", "abc", 0, ""},
		{"negative limit", "abc", -1, ""},
		{"empty input", "", 5, ""},
		{"counts runes not bytes", "héllo wörld", 5, "héllo…"},
		{"multibyte boundary", "日本語のテスト", 3, "日本語…"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncRunes(tt.in, tt.n); got != tt.want {
				t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
