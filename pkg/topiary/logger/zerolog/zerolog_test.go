package zerolog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/topiary-ai/topiary/pkg/topiary"
)

func TestLogger_Info(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("generation completed", topiary.Field{Key: "job_id", Value: "j-1"})

	if output.Len() == 0 {
		t.Error("Expected info log to be written")
	}
	if !strings.Contains(output.String(), "j-1") {
		t.Errorf("Expected field value in output, got %q", output.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestLogger_MultipleFields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Error("reconciliation failed",
		topiary.Field{Key: "user_id", Value: "u-1"},
		topiary.Field{Key: "delta", Value: int64(-30)},
	)

	out := output.String()
	if !strings.Contains(out, "user_id") || !strings.Contains(out, "delta") {
		t.Errorf("Expected both fields in output, got %q", out)
	}
}
