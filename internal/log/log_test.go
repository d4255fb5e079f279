package log

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLevelsAndFormatting(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() {
		SetLevel(LevelInfo)
		SetOutput(os.Stderr)
	})

	Info("hidden", "k", "v")
	assert.Empty(t, buf.String())

	Warn("batch item skipped", "slug", "book club", "date", time.Date(2025, 10, 8, 18, 0, 0, 0, time.UTC))
	assert.Contains(t, buf.String(), "[WARN] batch item skipped")
	assert.Contains(t, buf.String(), `slug="book club"`)
	assert.Contains(t, buf.String(), "date=2025-10-08T18:00:00Z")

	buf.Reset()
	Error("materialize failed", errors.New("boom"), "slug", "chess")
	assert.Contains(t, buf.String(), "[ERROR] materialize failed err=boom slug=chess")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
