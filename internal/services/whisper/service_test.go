package whisper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildArgsDeterministic(t *testing.T) {
	svc := NewService(Config{Model: "small", Language: "en", Deterministic: true})
	args := svc.buildArgs("/tmp/in.wav", "/tmp/out")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--model small",
		"--language en",
		"--temperature 0",
		"--best_of 1",
		"--beam_size 1",
		"--output_format json",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestBuildArgsNonDeterministic(t *testing.T) {
	svc := NewService(Config{Model: "base"})
	joined := strings.Join(svc.buildArgs("/tmp/in.wav", "/tmp/out"), " ")
	if strings.Contains(joined, "--temperature") {
		t.Errorf("unexpected decoding pins in args: %s", joined)
	}
	if strings.Contains(joined, "--language") {
		t.Errorf("unexpected language pin in args: %s", joined)
	}
}

func TestTranscribeFileReadsJSONOutput(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "segment.wav")
	if err := os.WriteFile(source, []byte("wav"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	svc := NewService(Config{})
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) error {
		payload := `{"text": " Hello from the lecture. ", "segments": [{"text": "Hello from the lecture.", "start": 0, "end": 2}]}`
		return os.WriteFile(filepath.Join(dir, "segment.json"), []byte(payload), 0o644)
	})

	text, err := svc.TranscribeFile(context.Background(), source, dir)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if text != "Hello from the lecture." {
		t.Fatalf("text = %q", text)
	}
}

func TestTranscribeFileFallsBackToSegments(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "part.wav")
	if err := os.WriteFile(source, []byte("wav"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	svc := NewService(Config{})
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) error {
		payload := `{"segments": [{"text": " first "}, {"text": " second "}]}`
		return os.WriteFile(filepath.Join(dir, "part.json"), []byte(payload), 0o644)
	})

	text, err := svc.TranscribeFile(context.Background(), source, dir)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if text != "first second" {
		t.Fatalf("text = %q", text)
	}
}

func TestExtractSegmentArgs(t *testing.T) {
	svc := NewService(Config{})

	var gotName string
	var gotArgs []string
	svc.WithCommandRunner(func(ctx context.Context, name string, args ...string) error {
		gotName = name
		gotArgs = args
		return nil
	})

	if err := svc.ExtractSegment(context.Background(), "/src.mp4", 300, 300, "/dest.wav"); err != nil {
		t.Fatalf("ExtractSegment: %v", err)
	}
	if gotName != "ffmpeg" {
		t.Fatalf("binary = %q", gotName)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-ss 300", "-t 300", "-ac 1", "-ar 16000", "pcm_s16le"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
}

func TestExtractSegmentRejectsBadDuration(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.ExtractSegment(context.Background(), "/src.mp4", 0, 0, "/dest.wav"); err == nil {
		t.Fatal("expected error for zero duration")
	}
}
