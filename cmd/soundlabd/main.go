// Copyright (C) 2025 SoundLab Audio (dev@soundlab-audio.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command soundlabd runs the SoundLab control-plane daemon: the source
// router, stability balancer and session recorder, with Prometheus
// metrics on /metrics and a JSON status endpoint.
//
// # Usage
//
//	# Run with defaults
//	soundlabd
//
//	# Run with a config file (hot-reloaded on change)
//	soundlabd --config /etc/soundlab/soundlab.yaml
//
//	# List recorded sessions
//	soundlabd sessions --config /etc/soundlab/soundlab.yaml
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soundlab-audio/soundlab/services/soundcore/config"
	"github.com/soundlab-audio/soundlab/services/soundcore/recorder"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "soundlabd",
		Short:         "SoundLab adaptive-audio control-plane daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfgPath, logLevel)
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "override configured log level (debug|info|warn|error)")

	root.AddCommand(newSessionsCmd(&cfgPath))
	return root
}

// newSessionsCmd lists recorded sessions from their manifests.
func newSessionsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			rec := recorder.New(cfg.Recorder, nil, nil)
			sessions, err := rec.ListSessions()
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(sessions, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
