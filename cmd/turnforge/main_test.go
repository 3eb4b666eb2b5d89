package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnforge.yaml")
	body := "http:\n  addr: \":9999\"\nturns:\n  max_concurrent: 4\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), ":9999") || !strings.Contains(out.String(), "4 concurrent") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnforge.yaml")
	if err := os.WriteFile(path, []byte("turns:\n  max_concurrent: 0\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	rootCmd.SetArgs([]string{"validate", "--config", path})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var ce *configError
	if !errors.As(err, &ce) {
		t.Errorf("error %v is not a configuration error", err)
	}
}
