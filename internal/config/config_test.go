package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("shutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdown)
	}
	if cfg.MaxRooms != 0 {
		t.Fatalf("maxRooms=%d, want 0 (unlimited)", cfg.MaxRooms)
	}
	if cfg.MaxParticipantsPerRoom != DefaultMaxParticipants {
		t.Fatalf("maxParticipantsPerRoom=%d, want %d", cfg.MaxParticipantsPerRoom, DefaultMaxParticipants)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("maxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("maxSignalingMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("idleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("pingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ICE servers, got %v", cfg.ICEServers)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("unexpected ICE config error: %v", cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestEnvLogFormatBeatsModeDefault(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:      "prod",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagBeatsEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "0.0.0.0:9000",
	}), []string{"--listen-addr", "127.0.0.1:9100"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9100" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestRoomLimitsFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxRooms:               "100",
		envVarMaxParticipantsPerRoom: "2",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxRooms != 100 {
		t.Fatalf("maxRooms=%d, want 100", cfg.MaxRooms)
	}
	if cfg.MaxParticipantsPerRoom != 2 {
		t.Fatalf("maxParticipantsPerRoom=%d, want 2", cfg.MaxParticipantsPerRoom)
	}
}

func TestSignalingLimitsFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxSignalingMessageBytes:      "32768",
		envVarMaxSignalingMessagesPerSecond: "10",
		envVarSignalingWSIdleTimeout:        "90s",
		envVarSignalingWSPingInterval:       "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSignalingMessageBytes != 32768 {
		t.Fatalf("maxSignalingMessageBytes=%d, want 32768", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != 10 {
		t.Fatalf("maxSignalingMessagesPerSecond=%d, want 10", cfg.MaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingWSIdleTimeout != 90*time.Second {
		t.Fatalf("idleTimeout=%v, want 90s", cfg.SignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != 30*time.Second {
		t.Fatalf("pingInterval=%v, want 30s", cfg.SignalingWSPingInterval)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for ping interval >= idle timeout")
	}
}

func TestRejectsNonPositiveLimits(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{envVarMaxSignalingMessageBytes: "0"}), nil); err == nil {
		t.Fatalf("expected error for zero message size limit")
	}
	if _, err := load(lookupMap(map[string]string{envVarMaxSignalingMessagesPerSecond: "-1"}), nil); err == nil {
		t.Fatalf("expected error for negative message rate limit")
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: " https://App.Example.COM:443 , http://localhost:3000 ",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("allowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("allowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestAllowedOriginsRejectsGarbage(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "http://example.com/app",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "invalid origin") {
		t.Fatalf("expected invalid origin error, got %v", err)
	}
}

func TestInvalidModeRejected(t *testing.T) {
	if _, err := load(noEnv, []string{"--mode", "staging"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestICEConfigErrorDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envICEServersJSON: "{not json",
	}), nil)
	if err != nil {
		t.Fatalf("load should not fail on bad ICE config: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		logger, err := NewLogger(Config{LogFormat: format, LogLevel: slog.LevelInfo})
		if err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
		if logger == nil {
			t.Fatalf("NewLogger(%q) returned nil", format)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("expected error for unsupported log format")
	}
}
