package utils

import (
	"os"
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	const key = "SPHERESYNC_TEST_STRING"
	_ = os.Unsetenv(key)
	if got := EnvOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	_ = os.Setenv(key, "value")
	if got := EnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	const key = "SPHERESYNC_TEST_INT"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultInt(key, 10); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	_ = os.Setenv(key, "5")
	if got := EnvOrDefaultInt(key, 10); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	_ = os.Setenv(key, "bad")
	if got := EnvOrDefaultInt(key, 7); got != 7 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestEnvOrDefaultDuration(t *testing.T) {
	const key = "SPHERESYNC_TEST_DURATION"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultDuration(key, time.Second); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	_ = os.Setenv(key, "250ms")
	if got := EnvOrDefaultDuration(key, time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
	_ = os.Setenv(key, "nonsense")
	if got := EnvOrDefaultDuration(key, 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback on parse error, got %v", got)
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	const key = "SPHERESYNC_TEST_LIST"
	_ = os.Unsetenv(key)
	fallback := []string{"https://a"}
	if got := EnvOrDefaultList(key, fallback); len(got) != 1 || got[0] != "https://a" {
		t.Fatalf("expected fallback, got %v", got)
	}
	_ = os.Setenv(key, " https://b , https://c ,")
	got := EnvOrDefaultList(key, fallback)
	if len(got) != 2 || got[0] != "https://b" || got[1] != "https://c" {
		t.Fatalf("expected trimmed pair, got %v", got)
	}
	_ = os.Setenv(key, " , ,")
	if got := EnvOrDefaultList(key, fallback); len(got) != 1 {
		t.Fatalf("expected fallback for blank list, got %v", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("wrapping nil must stay nil")
	}
	err := Wrap(os.ErrNotExist, "open state")
	if err == nil || err.Error() != "open state: file does not exist" {
		t.Fatalf("err = %v", err)
	}
}
