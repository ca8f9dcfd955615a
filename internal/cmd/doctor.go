package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okarlsen/dictare/internal/config"
	"github.com/okarlsen/dictare/internal/history"
)

// checkResult is one line of the doctor report.
type checkResult struct {
	level string // "ok", "warn", "fail"
	name  string
	note  string
}

// NewDoctorCmd creates the doctor command: it inspects the configuration and
// the local environment and reports everything that would keep a dictation
// session from succeeding.
func NewDoctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), *configPath)
		},
	}
}

func runDoctor(out io.Writer, configPath string) error {
	var results []checkResult

	cfg, err := config.Load(configPath)
	if err != nil {
		results = append(results, checkResult{"fail", "config", err.Error()})
		printReport(out, results)
		return errors.New("configuration is not loadable")
	}
	results = append(results, checkResult{"ok", "config", fmt.Sprintf("loaded %s, primary provider %s", configPath, cfg.Providers.Primary)})

	results = append(results, checkOpenAI(cfg)...)
	results = append(results, checkWhisperCpp(cfg)...)
	results = append(results, checkHistory(cfg))

	if cfg.Server.ListenAddr == "" {
		results = append(results, checkResult{"warn", "server", "listen_addr is empty; control and health endpoints will be disabled"})
	} else {
		results = append(results, checkResult{"ok", "server", "listen_addr " + cfg.Server.ListenAddr})
	}

	printReport(out, results)
	for _, r := range results {
		if r.level == "fail" {
			return errors.New("doctor found blocking problems")
		}
	}
	return nil
}

func checkOpenAI(cfg *config.Config) []checkResult {
	var results []checkResult
	usedAs := "fallback"
	if cfg.Providers.Primary == "openai" {
		usedAs = "primary"
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		level := "warn"
		if usedAs == "primary" {
			level = "fail"
		}
		results = append(results, checkResult{level, "openai", "api_key is empty; remote attempts will fail with an authentication error"})
	} else {
		results = append(results, checkResult{"ok", "openai", "api_key configured, " + usedAs})
	}
	return results
}

func checkWhisperCpp(cfg *config.Config) []checkResult {
	var results []checkResult
	wc := cfg.Providers.WhisperCpp
	usedAs := "fallback"
	if cfg.Providers.Primary == "whispercpp" {
		usedAs = "primary"
	}
	missingLevel := "warn"
	if usedAs == "primary" {
		missingLevel = "fail"
	}

	if wc.Model == "" {
		results = append(results, checkResult{missingLevel, "whispercpp", "no model configured; local transcription disabled"})
		return results
	}
	if _, err := os.Stat(wc.Model); err != nil {
		results = append(results, checkResult{missingLevel, "whispercpp/model", fmt.Sprintf("%s: %v", wc.Model, err)})
	} else {
		results = append(results, checkResult{"ok", "whispercpp/model", wc.Model})
	}

	if wc.ServerExecutable == "" && wc.CLIExecutable == "" {
		results = append(results, checkResult{missingLevel, "whispercpp", "neither server_executable nor cli_executable configured"})
		return results
	}
	executables := []struct{ name, path string }{
		{"whispercpp/server", wc.ServerExecutable},
		{"whispercpp/cli", wc.CLIExecutable},
	}
	for _, e := range executables {
		name, exe := e.name, e.path
		if exe == "" {
			continue
		}
		info, err := os.Stat(exe)
		switch {
		case err != nil:
			results = append(results, checkResult{missingLevel, name, fmt.Sprintf("%s: %v", exe, err)})
		case info.Mode()&0o111 == 0:
			results = append(results, checkResult{"fail", name, exe + " is not executable"})
		default:
			results = append(results, checkResult{"ok", name, exe})
		}
	}
	return results
}

func checkHistory(cfg *config.Config) checkResult {
	if cfg.History.Path == "" {
		return checkResult{"warn", "history", "path is empty; sessions are kept in memory and lost on restart"}
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return checkResult{"fail", "history", err.Error()}
	}
	defer store.Close()
	return checkResult{"ok", "history", cfg.History.Path}
}

func printReport(out io.Writer, results []checkResult) {
	for _, r := range results {
		fmt.Fprintf(out, "%-4s  %-18s %s\n", r.level, r.name, r.note)
	}
}
