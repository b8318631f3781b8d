package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_DefaultsToInfoLevel(t *testing.T) {
	log, closer, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if closer != nil {
		t.Error("expected no closer when LogFile is unset")
	}
	if log.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %v, want InfoLevel", log.GetLevel())
	}
}

func TestNew_DebugRaisesLevel(t *testing.T) {
	log, _, err := New(Options{Debug: true})
	if err != nil {
		t.Fatal(err)
	}
	if log.GetLevel() != zerolog.DebugLevel {
		t.Errorf("level = %v, want DebugLevel", log.GetLevel())
	}
}

func TestNew_LogFileTeesOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")

	log, closer, err := New(Options{LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	if closer == nil {
		t.Fatal("expected a closer when LogFile is set")
	}
	log.Info().Msg("hello")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("expected log file to contain the logged line")
	}
}
