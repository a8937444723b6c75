package config

import "testing"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CAREDIAL_TOKEN", "tok-123")
	t.Setenv("CAREDIAL_SESSION", "sess-456")
}

func TestLoad_RequiresTokenAndSession(t *testing.T) {
	t.Setenv("CAREDIAL_TOKEN", "")
	t.Setenv("CAREDIAL_SESSION", "sess-456")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without CAREDIAL_TOKEN")
	}

	t.Setenv("CAREDIAL_TOKEN", "tok-123")
	t.Setenv("CAREDIAL_SESSION", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without CAREDIAL_SESSION")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("CAREDIAL_API_URL", "")
	t.Setenv("CAREDIAL_ALLOW_UNENCRYPTED", "")
	t.Setenv("CAREDIAL_DROP_ON_ENCRYPT_FAILURE", "")
	t.Setenv("CAREDIAL_TRACK_RELEASE", "")
	t.Setenv("CAREDIAL_KEY_ROTATION_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "tok-123" || cfg.SessionID != "sess-456" {
		t.Fatalf("credentials not loaded: %+v", cfg)
	}
	if cfg.APIBase != "https://api.caredial.health" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.AllowUnencrypted || cfg.DropOnEncryptFailure {
		t.Error("policy flags should default to off")
	}
	if cfg.TrackRelease != "direct" {
		t.Errorf("TrackRelease = %q, want direct", cfg.TrackRelease)
	}
	if cfg.KeyRotationSeconds != 300 {
		t.Errorf("KeyRotationSeconds = %d, want 300", cfg.KeyRotationSeconds)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CAREDIAL_API_URL", "https://staging.caredial.health")
	t.Setenv("CAREDIAL_ALLOW_UNENCRYPTED", "true")
	t.Setenv("CAREDIAL_DROP_ON_ENCRYPT_FAILURE", "true")
	t.Setenv("CAREDIAL_TRACK_RELEASE", "deferred")
	t.Setenv("CAREDIAL_KEY_ROTATION_SECONDS", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBase != "https://staging.caredial.health" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if !cfg.AllowUnencrypted || !cfg.DropOnEncryptFailure {
		t.Error("policy flags not applied")
	}
	if cfg.TrackRelease != "deferred" {
		t.Errorf("TrackRelease = %q", cfg.TrackRelease)
	}
	if cfg.KeyRotationSeconds != 60 {
		t.Errorf("KeyRotationSeconds = %d", cfg.KeyRotationSeconds)
	}
}

func TestLoad_RejectsUnknownTrackRelease(t *testing.T) {
	setRequired(t)
	t.Setenv("CAREDIAL_TRACK_RELEASE", "lazy")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown track release strategy")
	}
}

func TestLoad_IgnoresMalformedRotationInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("CAREDIAL_TRACK_RELEASE", "")
	t.Setenv("CAREDIAL_KEY_ROTATION_SECONDS", "soon")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeyRotationSeconds != 300 {
		t.Errorf("KeyRotationSeconds = %d, want default 300", cfg.KeyRotationSeconds)
	}
}
