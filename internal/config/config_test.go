package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "")
	t.Setenv("QUEUE_REDIS_URL", "")
	t.Setenv("STORE_REDIS_URL", "")
	t.Setenv("IMAGE_RETENTION_DAYS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8080" || cfg.GinMode != "debug" {
		t.Fatalf("unexpected server defaults: port=%s mode=%s", cfg.Port, cfg.GinMode)
	}
	if cfg.MaxImageSize != 10*1024*1024 || cfg.MaxDocumentSize != 50*1024*1024 {
		t.Fatalf("unexpected size limits: %d %d", cfg.MaxImageSize, cfg.MaxDocumentSize)
	}
	if cfg.ImageRetentionDays != 30 || cfg.DocumentRetentionDays != 0 {
		t.Fatalf("unexpected retention defaults: %d %d", cfg.ImageRetentionDays, cfg.DocumentRetentionDays)
	}
	if cfg.StoreURL() != cfg.QueueRedisURL {
		t.Fatalf("StoreURL should fall back to queue url, got %s", cfg.StoreURL())
	}
	if !cfg.RunEmbeddedWorkers {
		t.Fatal("embedded workers should be enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GIN_MODE", "test")
	t.Setenv("QUEUE_REDIS_URL", "redis://queue:6379/1")
	t.Setenv("STORE_REDIS_URL", "redis://store:6379/2")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("RUN_EMBEDDED_WORKERS", "false")
	t.Setenv("MAX_IMAGE_SIZE", "2048")
	t.Setenv("DOCUMENT_RETENTION_DAYS", "14")
	t.Setenv("IMAGE_QUALITY", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StoreURL() != "redis://store:6379/2" {
		t.Fatalf("unexpected store url: %s", cfg.StoreURL())
	}
	if cfg.WorkerConcurrency != 12 || cfg.RunEmbeddedWorkers {
		t.Fatalf("unexpected worker config: %d %v", cfg.WorkerConcurrency, cfg.RunEmbeddedWorkers)
	}
	if cfg.MaxImageSize != 2048 || cfg.DocumentRetentionDays != 14 {
		t.Fatalf("unexpected overrides: %d %d", cfg.MaxImageSize, cfg.DocumentRetentionDays)
	}
	// 数値として読めない値は既定値に戻る
	if cfg.ImageQuality != 85 {
		t.Fatalf("expected default quality, got %d", cfg.ImageQuality)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key, value, want string
	}{
		"concurrency": {"WORKER_CONCURRENCY", "0", "WORKER_CONCURRENCY"},
		"quality":     {"IMAGE_QUALITY", "101", "IMAGE_QUALITY"},
		"retention":   {"IMAGE_RETENTION_DAYS", "-1", "retention"},
		"stuck":       {"STUCK_PROCESSING_MINUTES", "-5", "STUCK_PROCESSING_MINUTES"},
		"max edge":    {"IMAGE_MAX_EDGE", "-1", "IMAGE_MAX_EDGE"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("GIN_MODE", "debug")
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestReleaseModeRequiresCredentials(t *testing.T) {
	t.Setenv("GIN_MODE", "release")
	t.Setenv("APP_USERNAME", "admin")
	t.Setenv("APP_PASSWORD_HASH", "")
	t.Setenv("SESSION_SECRET", "secret")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "APP_PASSWORD_HASH") {
		t.Fatalf("expected password hash error, got %v", err)
	}

	t.Setenv("APP_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error with full credentials: %v", err)
	}
}
