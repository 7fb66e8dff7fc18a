package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "LESSONREC"
	configName     = "recorder"
	configFileName = "recorder.yaml"
)

// Sources understood by the capture pipeline.
const (
	SourceFFmpeg    = "ffmpeg"
	SourceSynthetic = "synthetic"
)

// Store kinds understood by the upload queue.
const (
	StoreHTTP  = "http"
	StoreS3    = "s3"
	StoreGCS   = "gcs"
	StoreAzure = "azure"
	StoreB2    = "b2"
	StoreLocal = "local"
)

type Config struct {
	ListenAddr    string `mapstructure:"listen_addr" yaml:"listen_addr"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	Source                 string `mapstructure:"source" yaml:"source"`
	FFmpegPath             string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	DisplayInputFormat     string `mapstructure:"display_input_format" yaml:"display_input_format"`
	DisplayInput           string `mapstructure:"display_input" yaml:"display_input"`
	SystemAudioInputFormat string `mapstructure:"system_audio_input_format" yaml:"system_audio_input_format"`
	SystemAudioInput       string `mapstructure:"system_audio_input" yaml:"system_audio_input"`
	MicInputFormat         string `mapstructure:"mic_input_format" yaml:"mic_input_format"`
	MicInput               string `mapstructure:"mic_input" yaml:"mic_input"`

	VideoWidth  int      `mapstructure:"video_width" yaml:"video_width"`
	VideoHeight int      `mapstructure:"video_height" yaml:"video_height"`
	VideoFPS    int      `mapstructure:"video_fps" yaml:"video_fps"`
	SampleRate  int      `mapstructure:"sample_rate" yaml:"sample_rate"`
	TimesliceMs int      `mapstructure:"timeslice_ms" yaml:"timeslice_ms"`
	Profiles    []string `mapstructure:"profiles" yaml:"profiles"`

	DoneLingerSeconds  int `mapstructure:"done_linger_seconds" yaml:"done_linger_seconds"`
	ErrorLingerSeconds int `mapstructure:"error_linger_seconds" yaml:"error_linger_seconds"`

	HostName    string `mapstructure:"host_name" yaml:"host_name"`
	HostEmail   string `mapstructure:"host_email" yaml:"host_email"`
	Role        string `mapstructure:"role" yaml:"role"`
	RoomID      string `mapstructure:"room_id" yaml:"room_id"`
	Counterpart string `mapstructure:"counterpart" yaml:"counterpart"`

	Store StoreConfig `mapstructure:"store" yaml:"store"`
}

// StoreConfig selects and configures the remote store artifacts are sent to.
// Only the fields of the selected kind are read.
type StoreConfig struct {
	Kind           string `mapstructure:"kind" yaml:"kind"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix"`

	// http
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`

	// s3, gcs, b2
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// s3
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token,omitempty"`

	// gcs
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	// azure
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string,omitempty"`
	Container        string `mapstructure:"container" yaml:"container"`

	// b2
	AccountID      string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	ApplicationKey string `mapstructure:"application_key" yaml:"application_key,omitempty"`

	// local
	Dir string `mapstructure:"dir" yaml:"dir"`
}

func Default() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:7878",
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  20,
		LogMaxBackups: 5,

		Source:                 SourceFFmpeg,
		FFmpegPath:             "ffmpeg",
		DisplayInputFormat:     defaultDisplayFormat(),
		DisplayInput:           defaultDisplayInput(),
		SystemAudioInputFormat: defaultAudioFormat(),
		MicInputFormat:         defaultAudioFormat(),
		MicInput:               "default",

		VideoWidth:  1280,
		VideoHeight: 720,
		VideoFPS:    15,
		SampleRate:  48000,
		TimesliceMs: 1000,
		Profiles: []string{
			"video/webm;codecs=vp9,opus",
			"video/webm;codecs=vp8,opus",
		},

		DoneLingerSeconds:  6,
		ErrorLingerSeconds: 10,

		Role: "teacher",

		Store: StoreConfig{
			Kind:           StoreHTTP,
			TimeoutSeconds: 600,
		},
	}
}

// Load reads cfgFile (or recorder.yaml from the default search path) and
// applies LESSONREC_* environment overrides, e.g. LESSONREC_STORE_URL.
// A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes cfg as YAML. Secrets are included, so the file is
// restricted to owner-only access.
func SaveTo(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = filepath.Join(configDir(), configFileName)
	}
	if err := os.MkdirAll(filepath.Dir(cfgFile), 0o700); err != nil {
		return err
	}

	v := viper.New()
	for key, value := range flatten(cfg) {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(cfgFile); err != nil {
		return err
	}
	return os.Chmod(cfgFile, 0o600)
}

// newViper returns a viper instance with every key defaulted so that
// AutomaticEnv can resolve nested keys such as store.bucket.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range flatten(Default()) {
		v.SetDefault(key, value)
	}
	return v
}

func flatten(cfg *Config) map[string]any {
	s := cfg.Store
	return map[string]any{
		"listen_addr":               cfg.ListenAddr,
		"log_level":                 cfg.LogLevel,
		"log_format":                cfg.LogFormat,
		"log_file":                  cfg.LogFile,
		"log_max_size_mb":           cfg.LogMaxSizeMB,
		"log_max_backups":           cfg.LogMaxBackups,
		"source":                    cfg.Source,
		"ffmpeg_path":               cfg.FFmpegPath,
		"display_input_format":      cfg.DisplayInputFormat,
		"display_input":             cfg.DisplayInput,
		"system_audio_input_format": cfg.SystemAudioInputFormat,
		"system_audio_input":        cfg.SystemAudioInput,
		"mic_input_format":          cfg.MicInputFormat,
		"mic_input":                 cfg.MicInput,
		"video_width":               cfg.VideoWidth,
		"video_height":              cfg.VideoHeight,
		"video_fps":                 cfg.VideoFPS,
		"sample_rate":               cfg.SampleRate,
		"timeslice_ms":              cfg.TimesliceMs,
		"profiles":                  cfg.Profiles,
		"done_linger_seconds":       cfg.DoneLingerSeconds,
		"error_linger_seconds":      cfg.ErrorLingerSeconds,
		"host_name":                 cfg.HostName,
		"host_email":                cfg.HostEmail,
		"role":                      cfg.Role,
		"room_id":                   cfg.RoomID,
		"counterpart":               cfg.Counterpart,
		"store.kind":                s.Kind,
		"store.timeout_seconds":     s.TimeoutSeconds,
		"store.prefix":              s.Prefix,
		"store.url":                 s.URL,
		"store.auth_token":          s.AuthToken,
		"store.bucket":              s.Bucket,
		"store.region":              s.Region,
		"store.endpoint":            s.Endpoint,
		"store.access_key_id":       s.AccessKeyID,
		"store.secret_access_key":   s.SecretAccessKey,
		"store.session_token":       s.SessionToken,
		"store.credentials_file":    s.CredentialsFile,
		"store.connection_string":   s.ConnectionString,
		"store.container":           s.Container,
		"store.account_id":          s.AccountID,
		"store.application_key":     s.ApplicationKey,
		"store.dir":                 s.Dir,
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "LessonRecorder")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "LessonRecorder")
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lessonrec")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "lessonrec")
	}
	return "."
}

func defaultDisplayFormat() string {
	switch runtime.GOOS {
	case "windows":
		return "gdigrab"
	case "darwin":
		return "avfoundation"
	default:
		return "x11grab"
	}
}

func defaultDisplayInput() string {
	switch runtime.GOOS {
	case "windows":
		return "desktop"
	case "darwin":
		return "1:none"
	default:
		if d := os.Getenv("DISPLAY"); d != "" {
			return d
		}
		return ":0.0"
	}
}

func defaultAudioFormat() string {
	switch runtime.GOOS {
	case "windows":
		return "dshow"
	case "darwin":
		return "avfoundation"
	default:
		return "pulse"
	}
}
