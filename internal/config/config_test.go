package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8000 {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Timeout != 10*time.Second {
		t.Fatalf("Timeout = %s", cfg.Timeout)
	}
	if !cfg.DefaultStreamResponse || cfg.BenchmarkMode {
		t.Fatalf("stream=%v benchmark=%v", cfg.DefaultStreamResponse, cfg.BenchmarkMode)
	}
	if len(cfg.Forward) != 1 || cfg.Forward[0].BaseURL != "https://api.openai.com" ||
		cfg.Forward[0].Route != "/" || cfg.Forward[0].Kind != KindOpenAI {
		t.Fatalf("default route table = %+v", cfg.Forward)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.BufferSize != 64 || cfg.Cache.FlushInterval != 5*time.Second {
		t.Fatalf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.RateLimit.GlobalRateLimit != "inf" || cfg.RateLimit.Strategy != "fixed-window" {
		t.Fatalf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9100")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CACHE_BACKEND", "sqlite")
	t.Setenv("CACHE_OPENAI", "true")
	t.Setenv("IP_WHITELIST", "10.0.0.1, 10.0.0.2")
	t.Setenv("FORWARD_CONFIG",
		`[{"base_url":"https://api.openai.com","route":"/","type":"openai"},`+
			`{"base_url":"https://api.mistral.ai","route":"/mistral","type":"general"}]`)
	t.Setenv("OPENAI_API_KEY_CONFIG", `{"sk-alpha":[0,1],"sk-beta":[1]}`)
	t.Setenv("FORWARD_KEY_CONFIG", `{"1":["fk-one","fk-two"]}`)
	t.Setenv("LEVEL_MODELS", `{"1":["gpt-4o","gpt-4o-mini"]}`)
	t.Setenv("REQ_RATE_LIMIT",
		`[{"route":"/v1/chat/completions","value":[{"level":0,"limit":"100/minute"}]}]`)
	t.Setenv("TOKEN_RATE_LIMIT",
		`[{"route":"/v1/chat/completions","value":[{"level":0,"limit":"60/second"}]}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9100 || cfg.LogLevel != "debug" {
		t.Fatalf("port=%d level=%q", cfg.Port, cfg.LogLevel)
	}
	if cfg.Cache.Backend != "sqlite" || !cfg.Cache.OpenAI {
		t.Fatalf("cache = %+v", cfg.Cache)
	}
	if len(cfg.IPWhitelist) != 2 || cfg.IPWhitelist[1] != "10.0.0.2" {
		t.Fatalf("whitelist = %v", cfg.IPWhitelist)
	}
	if len(cfg.Forward) != 2 || cfg.Forward[1].Route != "/mistral" || cfg.Forward[1].Kind != KindGeneral {
		t.Fatalf("routes = %+v", cfg.Forward)
	}
	if levels := cfg.APIKey.SecretKeys["sk-alpha"]; len(levels) != 2 || levels[0] != 0 || levels[1] != 1 {
		t.Fatalf("secret keys = %v", cfg.APIKey.SecretKeys)
	}
	if fks := cfg.APIKey.ForwardKeys[1]; len(fks) != 2 || fks[0] != "fk-one" {
		t.Fatalf("forward keys = %v", cfg.APIKey.ForwardKeys)
	}
	if models := cfg.APIKey.LevelModels[1]; len(models) != 2 {
		t.Fatalf("level models = %v", cfg.APIKey.LevelModels)
	}
	if len(cfg.RateLimit.ReqRateLimits) != 1 ||
		cfg.RateLimit.ReqRateLimits[0].Limits[0].Limit != "100/minute" {
		t.Fatalf("req rate limits = %+v", cfg.RateLimit.ReqRateLimits)
	}
	if len(cfg.RateLimit.TokenRateLimits) != 1 {
		t.Fatalf("token rate limits = %+v", cfg.RateLimit.TokenRateLimits)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad_cache_backend", "CACHE_BACKEND", "etcd"},
		{"bad_log_level", "LOG_LEVEL", "verbose"},
		{"bad_strategy", "RATE_LIMIT_STRATEGY", "leaky-bucket"},
		{"bad_forward_json", "FORWARD_CONFIG", `[{"broken"`},
		{"level_zero_models", "LEVEL_MODELS", `{"0":["gpt-4o"]}`},
		{"redis_cache_without_url", "CACHE_BACKEND", "redis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load should fail with %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=9200\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	defer os.Unsetenv("PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("Port = %d, want the .env value", cfg.Port)
	}
}

func TestLoadDotEnvDoesNotOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PORT", "9300")

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=9200\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9300 {
		t.Fatalf("Port = %d, real environment must win over .env", cfg.Port)
	}
}

func TestValidateRoutes(t *testing.T) {
	ok := []RouteConfig{
		{BaseURL: "https://a", Route: "/", Kind: KindOpenAI},
		{BaseURL: "https://b", Route: "/mistral", Kind: KindGeneral},
		{BaseURL: "https://c", Route: "/gemini", Kind: KindGeneral},
	}
	if err := ValidateRoutes(ok); err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}

	bad := []struct {
		name   string
		routes []RouteConfig
		detail string
	}{
		{
			"missing_base_url",
			[]RouteConfig{{Route: "/", Kind: KindOpenAI}},
			"base_url",
		},
		{
			"invalid_kind",
			[]RouteConfig{{BaseURL: "https://a", Route: "/", Kind: "grpc"}},
			"invalid type",
		},
		{
			"duplicate_root",
			[]RouteConfig{
				{BaseURL: "https://a", Route: "/", Kind: KindOpenAI},
				{BaseURL: "https://b", Route: "", Kind: KindOpenAI},
			},
			"root",
		},
		{
			"overlapping_prefixes",
			[]RouteConfig{
				{BaseURL: "https://a", Route: "/api", Kind: KindGeneral},
				{BaseURL: "https://b", Route: "/api/v2", Kind: KindGeneral},
			},
			"overlap",
		},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRoutes(tc.routes)
			if err == nil {
				t.Fatal("want error")
			}
			if !strings.Contains(err.Error(), tc.detail) {
				t.Fatalf("error %q does not mention %q", err, tc.detail)
			}
		})
	}
}

func TestFormatRoutePrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"mistral", "/mistral"},
		{"/mistral", "/mistral"},
		{"/mistral/", "/mistral"},
		{"  /mistral  ", "/mistral"},
	}
	for _, tc := range cases {
		if got := FormatRoutePrefix(tc.in); got != tc.want {
			t.Fatalf("FormatRoutePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Fatalf("splitList(\"\") = %v", got)
	}
	got := splitList(" a, b ,, c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("splitList = %v", got)
	}
}
