package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"empty means unset", "", 0, false},
		{"blank means unset", "   ", 0, false},
		{"simple", "5s", 5 * time.Second, false},
		{"padded", " 150ms ", 150 * time.Millisecond, false},
		{"compound", "2h45m", 2*time.Hour + 45*time.Minute, false},
		{"zero", "0s", 0, false},
		{"negative", "-3s", 0, true},
		{"garbage", "soon", 0, true},
		{"bare number", "10", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseDurationField("server.read_timeout", tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseDurationFieldErrorNamesPath(t *testing.T) {
	t.Parallel()

	_, err := ParseDurationField("telegram.timeout", "nope")
	if err == nil {
		t.Fatalf("ParseDurationField error = nil, want an error")
	}
	if want := "telegram.timeout"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not name the field path %q", err, want)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	const def = 10 * time.Second
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"unset falls back", "", def, false},
		{"zero falls back", "0s", def, false},
		{"explicit wins", "3s", 3 * time.Second, false},
		{"invalid still errors", "bogus", 0, true},
		{"negative still errors", "-1s", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseDurationOrDefault("telegram.timeout", tt.raw, def)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationOrDefault(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
