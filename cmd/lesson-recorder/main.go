package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "lesson-recorder",
	Short: "Lesson recorder agent",
	Long:  `lesson-recorder captures the screen and microphone of a lesson host, encodes the recording and delivers it to a remote store in the background.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the recorder agent",
	Run: func(cmd *cobra.Command, args []string) {
		runRecorder()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Lesson Recorder v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is recorder.yaml in the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config, exiting on fatal problems.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "config warning: %v\n", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config error: %v\n", f)
		}
		os.Exit(1)
	}
	return cfg
}

// initLogging routes logs to stdout and, when configured, a rotating file.
// The returned func closes the file.
func initLogging(cfg *config.Config) func() {
	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", cfg.LogFile, err)
		} else {
			out = io.MultiWriter(os.Stdout, rw)
			closer = func() { rw.Close() }
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	if logLevel != "" {
		logging.SetLevel(logLevel)
	}
	return closer
}
