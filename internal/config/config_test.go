package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want text in dev mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Errorf("AuthMode = %q, want none", cfg.AuthMode)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Errorf("MaxSignalingMessageBytes = %d", cfg.MaxSignalingMessageBytes)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Errorf("ICEConfigError = %v, want nil with no ICE env", err)
	}
}

func TestLoadProdDefaultsToJSONLogs(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{envVarMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want json in prod mode", cfg.LogFormat)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarListenAddr: "127.0.0.1:1111",
		envVarLogLevel:   "warn",
	}
	cfg, err := load(lookupFrom(env), []string{"-listen-addr", "0.0.0.0:2222", "-log-level", "debug"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:2222" {
		t.Errorf("ListenAddr = %q, want flag value", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoadAuthValidation(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{envVarAuthMode: "api_key"}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarAPIKey) {
		t.Fatalf("api_key without key: got %v", err)
	}

	cfg, err := load(lookupFrom(map[string]string{
		envVarAuthMode: "api_key",
		envVarAPIKey:   "sekrit",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeAPIKey || cfg.APIKey != "sekrit" {
		t.Fatalf("auth config = %q/%q", cfg.AuthMode, cfg.APIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []map[string]string{
		{envVarMode: "staging"},
		{envVarLogFormat: "yaml"},
		{envVarLogLevel: "loud"},
		{envVarAuthMode: "jwt"},
		{envVarShutdownTimeout: "soon"},
		{envVarMaxSignalMsgBytes: "-1"},
		{envVarMaxSignalMsgPerSec: "zero"},
	}
	for _, env := range cases {
		if _, err := load(lookupFrom(env), nil); err == nil {
			t.Errorf("load(%v): expected error", env)
		}
	}
}

func TestLoadDurationsAndOrigins(t *testing.T) {
	env := map[string]string{
		envVarShutdownTimeout:      "3s",
		envVarSignalingAuthTimeout: "500ms",
		envVarAllowedOrigins:       "https://app.solstice.social, https://staging.solstice.social",
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.SignalingAuthTimeout != 500*time.Millisecond {
		t.Errorf("SignalingAuthTimeout = %v", cfg.SignalingAuthTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.solstice.social" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadDeferredICEError(t *testing.T) {
	env := map[string]string{
		envICEServersJSON: `not-json`,
	}
	cfg, err := load(lookupFrom(env), nil)
	if err != nil {
		t.Fatalf("load should defer ICE errors, got %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("ICEConfigError = nil, want parse error")
	}
}
