package main

import (
	"github.com/spf13/cobra"

	"github.com/bbernstein/lacylights-audio/internal/services/waveform"
)

// waveformWorkerCmd is the child process behind isolated peak generation.
// It prints the JSON reply on stdout and exits non-zero on failure.
var waveformWorkerCmd = &cobra.Command{
	Use:           "waveform-worker <path>",
	Short:         "Compute waveform peaks for one file",
	Hidden:        true,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return waveform.RunWorker(cmd.Context(), waveform.NewComputer().Compute, args[0], cmd.OutOrStdout())
	},
}
