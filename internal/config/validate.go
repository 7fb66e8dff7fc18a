package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates fatal errors (the recorder must not start)
// from warnings (a value was invalid and has been clamped or ignored).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config and clamps out-of-range numbers to safe
// values. Warnings are logged; fatals are returned for the caller to act on.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		fatal("listen_addr %q is not host:port: %w", c.ListenAddr, err)
	}

	switch c.Source {
	case SourceFFmpeg, SourceSynthetic:
	default:
		fatal("source %q is not valid (use %s or %s)", c.Source, SourceFFmpeg, SourceSynthetic)
	}
	if c.Source == SourceFFmpeg && c.FFmpegPath == "" {
		fatal("ffmpeg_path is required when source is %s", SourceFFmpeg)
	}

	c.VideoWidth = clamp(&r, "video_width", c.VideoWidth, 160, 3840)
	c.VideoHeight = clamp(&r, "video_height", c.VideoHeight, 120, 2160)
	c.VideoFPS = clamp(&r, "video_fps", c.VideoFPS, 1, 60)
	c.TimesliceMs = clamp(&r, "timeslice_ms", c.TimesliceMs, 100, 60000)
	c.DoneLingerSeconds = clamp(&r, "done_linger_seconds", c.DoneLingerSeconds, 1, 3600)
	c.ErrorLingerSeconds = clamp(&r, "error_linger_seconds", c.ErrorLingerSeconds, 1, 3600)
	// Failed uploads stay listed longer than successful ones.
	if c.ErrorLingerSeconds <= c.DoneLingerSeconds {
		fixed := min(c.DoneLingerSeconds+4, 3600)
		if fixed <= c.DoneLingerSeconds {
			c.DoneLingerSeconds = fixed - 1
		}
		warn("error_linger_seconds %d must exceed done_linger_seconds, using %d", c.ErrorLingerSeconds, fixed)
		c.ErrorLingerSeconds = fixed
	}
	c.Store.TimeoutSeconds = clamp(&r, "store.timeout_seconds", c.Store.TimeoutSeconds, 10, 86400)

	switch c.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		warn("sample_rate %d is not supported, using 48000", c.SampleRate)
		c.SampleRate = 48000
	}

	// Odd dimensions cannot be represented in yuv420p.
	if c.VideoWidth%2 != 0 {
		c.VideoWidth--
	}
	if c.VideoHeight%2 != 0 {
		c.VideoHeight--
	}

	if len(c.Profiles) == 0 {
		warn("profiles is empty, using defaults")
		c.Profiles = Default().Profiles
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	if strings.ContainsAny(c.RoomID, `/\`) {
		fatal("room_id %q must not contain path separators", c.RoomID)
	}

	c.validateStore(&r)

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

func (c *Config) validateStore(r *ValidationResult) {
	s := &c.Store
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }

	switch s.Kind {
	case StoreHTTP:
		if s.URL == "" {
			// Allowed so the recorder can start; uploads will fail until set.
			r.Warnings = append(r.Warnings, fmt.Errorf("store.url is empty, uploads will fail"))
			break
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			fatal("store.url %q is not a valid URL: %w", s.URL, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			fatal("store.url scheme must be http or https, got %q", u.Scheme)
		}
		for _, ch := range s.AuthToken {
			if unicode.IsControl(ch) {
				fatal("store.auth_token contains control characters")
				break
			}
		}
	case StoreS3:
		if s.Bucket == "" || s.Region == "" {
			fatal("store.bucket and store.region are required for s3")
		}
	case StoreGCS:
		if s.Bucket == "" {
			fatal("store.bucket is required for gcs")
		}
	case StoreAzure:
		if s.ConnectionString == "" || s.Container == "" {
			fatal("store.connection_string and store.container are required for azure")
		}
	case StoreLocal:
		if s.Dir == "" {
			fatal("store.dir is required for local")
		}
	case StoreB2:
		if s.Bucket == "" || s.AccountID == "" || s.ApplicationKey == "" {
			fatal("store.bucket, store.account_id and store.application_key are required for b2")
		}
	default:
		fatal("store.kind %q is not valid (use http, s3, gcs, azure, b2, local)", s.Kind)
	}
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
