package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("COURIER_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("COURIER_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("COURIER_TEST_INT", "12")
	t.Setenv("COURIER_TEST_BAD_INT", "twelve")
	t.Setenv("COURIER_TEST_FLOAT", "2.5")
	t.Setenv("COURIER_TEST_DURATION", "90s")
	t.Setenv("COURIER_TEST_BAD_DURATION", "soon")

	if got := GetEnvInt("COURIER_TEST_INT", 1); got != 12 {
		t.Errorf("GetEnvInt = %d, want 12", got)
	}
	if got := GetEnvInt("COURIER_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("GetEnvInt with invalid value = %d, want default 1", got)
	}
	if got := GetEnvFloat("COURIER_TEST_FLOAT", 1); got != 2.5 {
		t.Errorf("GetEnvFloat = %v, want 2.5", got)
	}
	if got := GetEnvDuration("COURIER_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("GetEnvDuration = %v, want 90s", got)
	}
	if got := GetEnvDuration("COURIER_TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("GetEnvDuration with invalid value = %v, want default", got)
	}
	if got := GetEnv("COURIER_TEST_UNSET_KEY", "fallback"); got != "fallback" {
		t.Errorf("GetEnv = %q, want fallback", got)
	}
}
