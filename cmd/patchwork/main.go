package main

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/youruser/patchwork/internal/logging"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var log = logging.Get()

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision, buildTime, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	v := info.Main.Version
	if revision != "" {
		v = revision
	}
	if modified == "true" {
		v += " (modified)"
	}
	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", v, runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", v, runtime.Version())
}

var rootCmd = &cobra.Command{
	Use:           "patchwork",
	Short:         "Token-budgeted code generation with LLMs",
	Long:          "patchwork asks a model for structured change sets under a hard token ceiling, chunking large inputs and executing plans step by step.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logBuildInfo()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "patchwork %s\n", versionString())
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.config/patchwork/config.json)")
	rootCmd.PersistentFlags().StringP("model", "m", "", "Model id (default: configured default_model)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer log.Close()
	if err := rootCmd.Execute(); err != nil {
		log.Debug("Command failed: %v", err)
		fmt.Fprintln(os.Stderr, userMessage(err))
		os.Exit(1)
	}
}
