package config

import (
	"fmt"
	"strings"
	"testing"
)

func validDefault() *Config {
	cfg := Default()
	cfg.Store.URL = "https://example.com/api/recordings"
	return cfg
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validDefault()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}

func TestValidateTieredInvalidStoreSchemeIsFatal(t *testing.T) {
	cfg := validDefault()
	cfg.Store.URL = "ftp://example.com"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredEmptyStoreURLIsWarning(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("empty store url should not be fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for empty store url")
	}
}

func TestValidateTieredControlCharsInTokenIsFatal(t *testing.T) {
	cfg := validDefault()
	cfg.Store.AuthToken = "token\x00with\x01control"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in token should be fatal")
	}
}

func TestValidateTieredUnknownSourceIsFatal(t *testing.T) {
	cfg := validDefault()
	cfg.Source = "camera"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("unknown source should be fatal")
	}
}

func TestValidateTieredStoreKinds(t *testing.T) {
	tests := []struct {
		name  string
		store StoreConfig
		fatal bool
	}{
		{"s3 ok", StoreConfig{Kind: StoreS3, Bucket: "b", Region: "eu-west-1"}, false},
		{"s3 missing region", StoreConfig{Kind: StoreS3, Bucket: "b"}, true},
		{"gcs ok", StoreConfig{Kind: StoreGCS, Bucket: "b"}, false},
		{"gcs missing bucket", StoreConfig{Kind: StoreGCS}, true},
		{"azure ok", StoreConfig{Kind: StoreAzure, ConnectionString: "c", Container: "recordings"}, false},
		{"azure missing container", StoreConfig{Kind: StoreAzure, ConnectionString: "c"}, true},
		{"b2 ok", StoreConfig{Kind: StoreB2, Bucket: "b", AccountID: "a", ApplicationKey: "k"}, false},
		{"b2 missing key", StoreConfig{Kind: StoreB2, Bucket: "b", AccountID: "a"}, true},
		{"local ok", StoreConfig{Kind: StoreLocal, Dir: "/var/lib/recordings"}, false},
		{"local missing dir", StoreConfig{Kind: StoreLocal}, true},
		{"unknown kind", StoreConfig{Kind: "ftp"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.store.TimeoutSeconds = 60
			cfg.Store = tt.store
			if got := cfg.ValidateTiered().HasFatals(); got != tt.fatal {
				t.Fatalf("HasFatals() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestValidateTieredClampingIsWarning(t *testing.T) {
	cfg := validDefault()
	cfg.VideoFPS = 0
	cfg.TimesliceMs = 10
	cfg.DoneLingerSeconds = 0
	cfg.VideoWidth = 99999

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %v", result.Warnings)
	}
	if cfg.VideoFPS != 1 || cfg.TimesliceMs != 100 || cfg.DoneLingerSeconds != 1 || cfg.VideoWidth != 3840 {
		t.Fatalf("values not clamped: fps=%d timeslice=%d done=%d width=%d",
			cfg.VideoFPS, cfg.TimesliceMs, cfg.DoneLingerSeconds, cfg.VideoWidth)
	}
}

func TestValidateTieredErrorLingerOutlastsDone(t *testing.T) {
	tests := []struct {
		done, errLinger   int
		wantDone, wantErr int
		wantWarn          bool
	}{
		{6, 10, 6, 10, false},
		{10, 2, 10, 14, true},
		{8, 8, 8, 12, true},
		{3600, 3600, 3599, 3600, true},
	}
	for _, tt := range tests {
		cfg := validDefault()
		cfg.DoneLingerSeconds = tt.done
		cfg.ErrorLingerSeconds = tt.errLinger
		result := cfg.ValidateTiered()
		if result.HasFatals() {
			t.Fatalf("done=%d error=%d: unexpected fatals %v", tt.done, tt.errLinger, result.Fatals)
		}
		if got := len(result.Warnings) > 0; got != tt.wantWarn {
			t.Errorf("done=%d error=%d: warnings %v, want warning=%v", tt.done, tt.errLinger, result.Warnings, tt.wantWarn)
		}
		if cfg.DoneLingerSeconds != tt.wantDone || cfg.ErrorLingerSeconds != tt.wantErr {
			t.Errorf("done=%d error=%d: got %d/%d, want %d/%d", tt.done, tt.errLinger,
				cfg.DoneLingerSeconds, cfg.ErrorLingerSeconds, tt.wantDone, tt.wantErr)
		}
	}
}

func TestValidateTieredOddDimensionsRoundedDown(t *testing.T) {
	cfg := validDefault()
	cfg.VideoWidth = 1281
	cfg.VideoHeight = 721
	cfg.ValidateTiered()
	if cfg.VideoWidth != 1280 || cfg.VideoHeight != 720 {
		t.Fatalf("got %dx%d, want 1280x720", cfg.VideoWidth, cfg.VideoHeight)
	}
}

func TestValidateTieredUnsupportedSampleRate(t *testing.T) {
	cfg := validDefault()
	cfg.SampleRate = 44100
	result := cfg.ValidateTiered()
	if cfg.SampleRate != 48000 {
		t.Fatalf("SampleRate = %d, want 48000", cfg.SampleRate)
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "44100") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning naming the rejected sample rate")
	}
}

func TestValidateTieredLogSettingsAreWarnings(t *testing.T) {
	cfg := validDefault()
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("log settings should not be fatal")
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", result.Warnings)
	}
}

func TestValidateTieredRoomIDWithSeparatorIsFatal(t *testing.T) {
	cfg := validDefault()
	cfg.RoomID = "../etc"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("room id with path separator should be fatal")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validDefault()
	cfg.Store.URL = "ftp://bad" // fatal
	cfg.LogFormat = "xml"       // warning
	all := cfg.ValidateTiered().AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2", len(all))
	}
}
