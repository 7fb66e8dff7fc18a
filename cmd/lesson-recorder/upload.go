package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var uploadRoom string

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Upload a finished recording and wait for the result",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		closeLog := initLogging(cfg)
		status := uploadFile(cfg, args[0])
		closeLog()
		if status != uploads.StatusDone {
			os.Exit(1)
		}
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadRoom, "room", "", "room id sent with the upload (default from config)")
}

func uploadFile(cfg *config.Config, path string) uploads.Status {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
		return uploads.StatusError
	}

	ctx := context.Background()
	store, err := uploads.NewStore(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure %s store: %v\n", cfg.Store.Kind, err)
		return uploads.StatusError
	}
	// Keep settled tasks around long enough to be observed.
	opts := queueOptions(cfg)
	opts.DoneLinger, opts.ErrorLinger = time.Minute, time.Minute
	q := uploads.NewQueue(store, opts)

	snaps, unsubscribe := q.Subscribe()
	defer unsubscribe()

	meta := sessionInfo(cfg).Metadata()
	if uploadRoom != "" {
		meta.RoomID = uploadRoom
	}
	name := filepath.Base(path)
	id := q.Enqueue(data, name, meta)
	if id == 0 {
		return uploads.StatusError
	}
	fmt.Printf("Uploading %s (%d bytes) to %s...\n", name, len(data), store.Name())

	var status uploads.Status
	for status == "" {
		for _, t := range <-snaps {
			if t.ID == id && t.Status.Terminal() {
				status = t.Status
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	q.Close(closeCtx)

	if status == uploads.StatusDone {
		fmt.Println("Upload complete.")
	} else {
		fmt.Println("Upload failed; see the log for details.")
	}
	return status
}
