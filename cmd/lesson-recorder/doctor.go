package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check ffmpeg, encoders and the store configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if !runDoctor(loadConfig()) {
			os.Exit(1)
		}
	},
}

func runDoctor(cfg *config.Config) bool {
	ok := true

	path, err := exec.LookPath(cfg.FFmpegPath)
	if err != nil {
		fmt.Printf("ffmpeg:   not found (%s)\n", cfg.FFmpegPath)
		return false
	}
	fmt.Printf("ffmpeg:   %s\n", path)

	factory := encoder.NewFFmpegFactory(path)
	if _, err := factory.Encoders(); err != nil {
		fmt.Printf("encoders: %v\n", err)
		ok = false
	}
	profiles := parseProfiles(cfg.Profiles)
	for _, p := range profiles {
		state := "unsupported"
		if factory.Supports(p) {
			state = "ok"
		}
		fmt.Printf("profile:  %-32s %s\n", p, state)
	}
	if p, _, err := encoder.SelectProfile(profiles, []encoder.Factory{factory}); err != nil {
		fmt.Printf("encoding: %v\n", err)
		ok = false
	} else {
		fmt.Printf("encoding: will record %s (.%s)\n", p, p.Extension())
	}

	fmt.Printf("source:   %s\n", cfg.Source)
	if cfg.Source == config.SourceFFmpeg {
		fmt.Printf("display:  -f %s -i %q\n", cfg.DisplayInputFormat, cfg.DisplayInput)
		fmt.Printf("mic:      -f %s -i %q\n", cfg.MicInputFormat, cfg.MicInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := uploads.NewStore(ctx, cfg.Store)
	if err != nil {
		fmt.Printf("store:    %v\n", err)
		return false
	}
	fmt.Printf("store:    %s\n", store.Name())
	return ok
}
