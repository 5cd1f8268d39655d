// Package main is the entry point for the LacyLights audio server.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bbernstein/lacylights-audio/internal/config"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "lacylights-audio",
	Short: "LacyLights audio cue controller",
	Long:  "LacyLights audio serves cue management, automation and remote control surfaces, and mixer integration for a live-show playback engine.",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the audio server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(waveformWorkerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load .env file if present
	envErr := godotenv.Load()

	cfg := config.Load()
	printBanner(cmd.OutOrStdout(), cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	if envErr != nil {
		a.logger.Debug().Msg("no .env file found, using environment variables")
	}
	return a.run()
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	_, _ = fmt.Fprintln(w, "============================================")
	_, _ = fmt.Fprintln(w, "  LacyLights Audio Server")
	_, _ = fmt.Fprintf(w, "  Version: %s\n", Version)
	_, _ = fmt.Fprintf(w, "  Build:   %s\n", BuildTime)
	_, _ = fmt.Fprintf(w, "  Commit:  %s\n", GitCommit)
	_, _ = fmt.Fprintln(w, "============================================")
	_, _ = fmt.Fprintf(w, "  Environment: %s\n", cfg.Env)
	_, _ = fmt.Fprintf(w, "  API Port:    %s\n", cfg.Port)
	_, _ = fmt.Fprintf(w, "  GraphQL:     http://localhost:%s/graphql\n", cfg.Port)
	_, _ = fmt.Fprintf(w, "  Cues:        %s\n", cfg.CuesFile)
	_, _ = fmt.Fprintf(w, "  Automation:  %s\n", channelLine(cfg.AutomationEnabled, cfg.AutomationPort))
	_, _ = fmt.Fprintf(w, "  Remote:      %s\n", channelLine(cfg.RemoteEnabled, cfg.RemotePort))
	_, _ = fmt.Fprintf(w, "  Mixer:       %v\n", cfg.MixerEnabled)
	_, _ = fmt.Fprintln(w, "============================================")
}

func channelLine(enabled bool, port int) string {
	if !enabled {
		return "disabled"
	}
	return fmt.Sprintf("port %d", port)
}
