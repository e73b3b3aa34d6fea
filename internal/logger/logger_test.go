package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	log := Default()
	if log == nil {
		t.Fatal("Default() returned nil")
	}
	// Should not panic
	log.Info("test message")
	log.Debug("debug message")
	log.Warn("warn message")
	log.Error("error message")
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "hello") {
		t.Fatalf("expected 'hello' in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Fatalf("expected key=value in JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"level":"INFO"`) {
		t.Fatalf("expected level INFO in output, got: %s", output)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestPretty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Fatalf("expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Fatalf("expected 'key=value' in output, got: %s", output)
	}
}

func TestPrettyDebugLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("debug msg")

	if !strings.Contains(buf.String(), "debug msg") {
		t.Fatalf("expected debug message at debug level, got: %s", buf.String())
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	childLog := log.With("component", "test")
	childLog.Info("child message")

	output := buf.String()
	if !strings.Contains(output, `"component":"test"`) {
		t.Fatalf("expected component=test in output, got: %s", output)
	}
	if !strings.Contains(output, "child message") {
		t.Fatalf("expected 'child message' in output, got: %s", output)
	}
}

func TestWithGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	groupLog := log.WithGroup("mygroup")
	groupLog.Info("grouped message", "field", "val")

	output := buf.String()
	if !strings.Contains(output, "grouped message") {
		t.Fatalf("expected 'grouped message' in output, got: %s", output)
	}
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := FromContext(ctx)
	if log == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
	// Should not panic
	log.Info("from context")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	retrieved := FromContext(ctx)

	retrieved.Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" DEBUG ", slog.LevelDebug},
	}

	for _, tc := range tests {
		result := ParseLevel(tc.input)
		if result != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn to be enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestPrettyRendering(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		log  func(h slog.Handler)
		want []string
		not  []string
	}{
		{
			name: "handler attrs",
			log: func(h slog.Handler) {
				slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "test")})).Info("with attrs")
			},
			want: []string{"with attrs service=test"},
		},
		{
			name: "group prefix",
			log:  func(h slog.Handler) { slog.New(h.WithGroup("gen")).Info("grouped", "mode", "cached") },
			want: []string{"gen.mode=cached"},
		},
		{
			name: "nested groups",
			log:  func(h slog.Handler) { slog.New(h.WithGroup("a").WithGroup("b")).Info("nested", "key", "val") },
			want: []string{"a.b.key=val"},
		},
		{
			name: "group value and inline group",
			log: func(h slog.Handler) {
				slog.New(h).Info("stats",
					slog.Group("usage", "prompt", 4, "generated", 36),
					slog.Group("", "steps", 40))
			},
			want: []string{"usage.prompt=4 usage.generated=36 steps=40"},
		},
		{
			name: "quoting",
			log:  func(h slog.Handler) { slog.New(h).Info("test", "prompt", "Mamba is the", "key", "simple", "empty", "") },
			want: []string{`prompt="Mamba is the"`, "key=simple", `empty=""`},
			not:  []string{`key="simple"`},
		},
		{
			name: "numbers",
			log: func(h slog.Handler) {
				slog.New(h).Info("done", "tokens_per_second", 52.3456, "eps", 1e-5, "eos", true, "seed", uint64(299792458))
			},
			want: []string{"tokens_per_second=52.35", "eps=1e-05", "eos=true", "seed=299792458"},
		},
		{
			name: "durations",
			log: func(h slog.Handler) {
				slog.New(h).Info("timing", "load", 1234567890*time.Nanosecond, "step", 3456789*time.Nanosecond)
			},
			want: []string{"load=1.235s", "step=3.46ms"},
		},
		{
			name: "no color for buffers",
			log:  func(h slog.Handler) { slog.New(h).Error("boom", "k", "v") },
			want: []string{"ERROR boom k=v"},
			not:  []string{"\033["},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tc.log(NewPrettyHandler(&buf, nil))
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in %q", w, out)
				}
			}
			for _, n := range tc.not {
				if strings.Contains(out, n) {
					t.Errorf("unexpected %q in %q", n, out)
				}
			}
		})
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h2 := h.WithGroup(""); h2 != slog.Handler(h) {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyAddSource(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{AddSource: true})).Info("located")
	if !strings.Contains(buf.String(), "[logger_test.go:") {
		t.Fatalf("expected source location, got: %s", buf.String())
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", true},
		{"no-special-chars", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestNopDiscards(t *testing.T) {
	t.Parallel()
	log := Nop()
	log.Error("nothing to see")
	log.With("k", "v").WithGroup("g").Info("still nothing")
}

func TestConfigureFormats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	Configure(&jsonBuf, "DEBUG", "json").Debug("json line", "step", 3)
	if !strings.Contains(jsonBuf.String(), `"step":3`) {
		t.Fatalf("expected JSON output at debug level, got: %s", jsonBuf.String())
	}

	var textBuf bytes.Buffer
	Configure(&textBuf, "warn", "text").Info("hidden")
	if textBuf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got: %s", textBuf.String())
	}

	var prettyBuf bytes.Buffer
	Configure(&prettyBuf, "info", "").Info("pretty line", "mode", "cached")
	if !strings.Contains(prettyBuf.String(), "mode=cached") {
		t.Fatalf("expected pretty fallback output, got: %s", prettyBuf.String())
	}
}

func TestSourcePointsAtCaller(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Pretty(&buf, slog.LevelInfo).With("component", "test").Info("from test")
	if !strings.Contains(buf.String(), "[logger_test.go:") {
		t.Fatalf("expected caller location, got: %s", buf.String())
	}
}
