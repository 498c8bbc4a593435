package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/botherd/botherd/internal/spec"
)

type checkResult struct {
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file-or-dir]",
	Short: "Validate process spec files",
	Long:  "Parse and validate YAML process specs. Checks a specific file, a directory, or the configured spec directory.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	target := defaultSpecDir()
	if len(args) > 0 {
		target = args[0]
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", target, err)
	}

	var files []string
	if info.IsDir() {
		yamlFiles, _ := filepath.Glob(filepath.Join(target, "*.yaml"))
		ymlFiles, _ := filepath.Glob(filepath.Join(target, "*.yml"))
		files = append(yamlFiles, ymlFiles...)
		if len(files) == 0 {
			return fmt.Errorf("no YAML files found in %s", target)
		}
	} else {
		files = []string{target}
	}

	var results []checkResult
	var failed int
	for _, path := range files {
		ps, err := spec.Load(path)
		if err != nil {
			results = append(results, checkResult{Path: path, Valid: false, Error: err.Error()})
			failed++
		} else {
			results = append(results, checkResult{Path: path, Name: ps.Process.Name, Valid: true})
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, r := range results {
		if r.Valid {
			fmt.Printf("OK    %s (%s)\n", r.Path, r.Name)
		} else {
			fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", r.Path, r.Error)
		}
	}

	if len(files) > 1 {
		fmt.Printf("\n%d/%d specs valid\n", len(files)-failed, len(files))
	}

	if failed > 0 {
		return fmt.Errorf("%d spec(s) failed validation", failed)
	}
	return nil
}

func defaultSpecDir() string {
	cfg, err := loadConfig()
	if err == nil {
		return cfg.SpecDir
	}
	home, err := botherdHome()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "processes")
}
