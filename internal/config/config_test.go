package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:        AppConfig{Env: "local", Port: 8080},
		DB:         DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callqc"},
		Redis:      RedisConfig{Host: "localhost", Port: 6379},
		Auth:       AuthConfig{JWTSecret: "secret"},
		Transcribe: TranscribeConfig{BaseURL: "http://localhost:9000"},
		LLM:        LLMConfig{BaseURL: "http://localhost:9001", Model: "gpt-4o-mini"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Pipeline.Workers != 5 || c.Pipeline.RatePerSec != 10 || c.Pipeline.MaxAttempts != 3 {
		t.Fatalf("unexpected pipeline defaults: %+v", c.Pipeline)
	}
	if c.Pipeline.BackoffBase != 5*time.Second || c.Pipeline.StageTimeout != 2*time.Minute {
		t.Fatalf("unexpected pipeline timing defaults: %+v", c.Pipeline)
	}
	if c.QC.StrictClassification || c.QC.ReprocessTerminal {
		t.Fatalf("expected QC switches to default off")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Transcribe.APIKey = "k"
	c.LLM.APIKey = "k"
	c.Auth.JWTIssuer = "callqc"
	c.Auth.JWTAudience = "callqc-api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_ProductionRequiresAPIKeys(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer = "callqc"
	c.Auth.JWTAudience = "callqc-api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without adapter API keys")
	}
}

func TestValidate_RequiresLLMModel(t *testing.T) {
	c := validLocal()
	c.LLM.Model = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing LLM model")
	}
}

func TestValidate_RefreshTTLMustExceedAccessTTL(t *testing.T) {
	c := validLocal()
	c.Auth.AccessTokenTTL = time.Hour
	c.Auth.RefreshTokenTTL = time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected TTL ordering error")
	}
}

func TestLoad_FailsWithEmptyEnv(t *testing.T) {
	for _, key := range []string{"APP_ENV", "APP_PORT", "DB_HOST", "DB_PORT", "REDIS_HOST", "REDIS_PORT", "JWT_SECRET", "TRANSCRIBE_URL", "LLM_URL", "LLM_MODEL"} {
		t.Setenv(key, "")
	}
	if _, err := Load(); err == nil {
		t.Fatalf("expected load error with empty environment")
	}
}
