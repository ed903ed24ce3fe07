package util

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"garbage", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CP_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("CP_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CP_TEST_INT", "")
	if n, err := ParseIntEnv("CP_TEST_INT", 7); err != nil || n != 7 {
		t.Fatalf("unset: got %d, %v", n, err)
	}
	t.Setenv("CP_TEST_INT", " 42 ")
	if n, err := ParseIntEnv("CP_TEST_INT", 7); err != nil || n != 42 {
		t.Fatalf("set: got %d, %v", n, err)
	}
	t.Setenv("CP_TEST_INT", "4x")
	if _, err := ParseIntEnv("CP_TEST_INT", 7); err == nil {
		t.Fatal("expected error for malformed integer")
	}
}

func TestParseFloatEnv(t *testing.T) {
	t.Setenv("CP_TEST_FLOAT", "0.5")
	if f, err := ParseFloatEnv("CP_TEST_FLOAT", 0); err != nil || f != 0.5 {
		t.Fatalf("got %v, %v", f, err)
	}
	t.Setenv("CP_TEST_FLOAT", "fast")
	if _, err := ParseFloatEnv("CP_TEST_FLOAT", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseDurations(t *testing.T) {
	t.Setenv("CP_TEST_SECS", "90")
	if d, err := ParseSecondsEnv("CP_TEST_SECS", time.Minute); err != nil || d != 90*time.Second {
		t.Fatalf("seconds: got %v, %v", d, err)
	}
	t.Setenv("CP_TEST_SECS", "90s")
	if _, err := ParseSecondsEnv("CP_TEST_SECS", time.Minute); err == nil {
		t.Fatal("seconds: expected error for unit suffix")
	}

	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 24 * time.Hour},
		{"36h", 36 * time.Hour},
		{"600", 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("CP_TEST_DUR", tt.val)
		d, err := ParseDurationEnv("CP_TEST_DUR", 24*time.Hour)
		if err != nil || d != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, %v; want %v", tt.val, d, err, tt.want)
		}
	}
	t.Setenv("CP_TEST_DUR", "soon")
	if _, err := ParseDurationEnv("CP_TEST_DUR", 0); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" @news, ,-1001234 ,@alerts,")
	want := []string{"@news", "-1001234", "@alerts"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitList = %v, want %v", got, want)
	}
	if SplitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
