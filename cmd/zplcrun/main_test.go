package main

import (
	"os"
	"testing"
)

func TestEnvOrPrefersEnvironment(t *testing.T) {
	const key = "ZPLCVM_TEST_ENVOR"
	os.Unsetenv(key)
	if got := envOr(key, "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset var = %q, want %q", got, "fallback")
	}

	os.Setenv(key, "from-env")
	defer os.Unsetenv(key)
	if got := envOr(key, "fallback"); got != "from-env" {
		t.Fatalf("envOr with set var = %q, want %q", got, "from-env")
	}
}
