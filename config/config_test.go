package config

import (
	"testing"
	"time"

	"github.com/canopus-hq/docforge/test"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	test.AssertNotError(t, err, "loading defaults")
	test.AssertEquals(t, s.ActiveInterval, 15*time.Second)
	test.AssertEquals(t, s.IdleInterval, 60*time.Second)
	test.AssertEquals(t, s.BatchSize, 20)
	test.AssertEquals(t, s.MaxConcurrency, 8)
	test.AssertEquals(t, s.LockTTL, 2*time.Minute)
	test.AssertEquals(t, s.MaxAttempts, 3)
	test.AssertEquals(t, s.ConvertSlots, 8)
	test.AssertEquals(t, s.ConvertTimeout, time.Minute)
	test.AssertEquals(t, s.CacheMaxBytes, int64(500*1024*1024))
	test.AssertEquals(t, s.HashRecencyWindow, 24*time.Hour)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DOCFORGE_SCHEDULER_BATCH_SIZE", "50")
	t.Setenv("DOCFORGE_PLATFORM_URL", "https://platform.example.com")
	s, err := Load()
	test.AssertNotError(t, err, "loading with env overrides")
	test.AssertEquals(t, s.BatchSize, 50)
	test.AssertEquals(t, s.PlatformURL, "https://platform.example.com")
}

func TestLoadRejectsZeroBatch(t *testing.T) {
	t.Setenv("DOCFORGE_SCHEDULER_BATCH_SIZE", "0")
	_, err := Load()
	test.AssertError(t, err, "expected zero batch size to be rejected")
	test.AssertContains(t, err.Error(), "batch size")
}
