package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/botherd/botherd/internal/procman"
)

func apiClient() *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}

func apiGet(path string, v any) error {
	resp, err := apiClient().Get("http://botherd" + path)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is botherd daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string) (map[string]any, error) {
	resp, err := apiClient().Post("http://botherd"+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w (is botherd daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show process status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var states []procman.State
		if err := apiGet("/v1/processes", &states); err != nil {
			return err
		}

		if len(states) == 0 {
			fmt.Println("No processes")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROCESS\tSTATUS\tPID\tUPTIME\tRESTARTS\tLAST EXIT")
		for _, s := range states {
			pid := "-"
			if s.PID > 0 {
				pid = strconv.Itoa(s.PID)
			}
			uptime := "-"
			if s.Uptime != "" {
				uptime = s.Uptime
			}
			exit := "-"
			if s.LastExitCode != nil {
				exit = strconv.Itoa(*s.LastExitCode)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.Name, s.Status, pid, uptime, s.RestartCount, exit)
		}
		w.Flush()

		for _, s := range states {
			if s.Status == procman.StatusDead && s.LastError != "" {
				fmt.Printf("\n%s: %s\n", s.Name, s.LastError)
			}
		}
		return nil
	},
}

// up command
var upCmd = &cobra.Command{
	Use:     "up [process...]",
	Aliases: []string{"start"},
	Short:   "Start processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			// Start all: a reload registers and starts everything new
			result, err := apiPost("/v1/reload")
			if err != nil {
				return err
			}
			fmt.Printf("Processes loaded: %v\n", result)
			return nil
		}

		for _, name := range args {
			result, err := apiPost(fmt.Sprintf("/v1/processes/%s/start", name))
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: %v\n", name, result["status"])
		}
		return nil
	},
}

// down command
var downCmd = &cobra.Command{
	Use:     "down [process...]",
	Aliases: []string{"stop"},
	Short:   "Stop processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			var states []procman.State
			if err := apiGet("/v1/processes", &states); err != nil {
				return err
			}
			for _, s := range states {
				args = append(args, s.Name)
			}
		}

		for _, name := range args {
			result, err := apiPost(fmt.Sprintf("/v1/processes/%s/stop", name))
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: %v\n", name, result["status"])
		}
		return nil
	},
}

// restart command
var restartCmd = &cobra.Command{
	Use:   "restart <process>",
	Short: "Restart a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost(fmt.Sprintf("/v1/processes/%s/restart", args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("%s: %v\n", args[0], result["status"])
		return nil
	},
}

// deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Pull updates and restart now",
	Long:  "Force a deploy: pull the configured repos, run their install commands and restart every process, ignoring active sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiClient()
		client.Timeout = 15 * time.Minute // pull plus install can take a while
		resp, err := client.Post("http://botherd/v1/deploy", "application/json", nil)
		if err != nil {
			return fmt.Errorf("connecting to daemon: %w (is botherd daemon running?)", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return fmt.Errorf("deploy failed: %s", body)
		}

		var result map[string]any
		json.NewDecoder(resp.Body).Decode(&result)
		fmt.Printf("deploy: %v\n", result["status"])
		return nil
	},
}

// check-update command
var checkUpdateCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Check the repos for upstream changes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/check-update")
		if err != nil {
			return err
		}
		if pending, _ := result["update_pending"].(bool); pending {
			fmt.Println("Update pending (waiting for a quiet window, or deploy in progress)")
		} else {
			fmt.Println("Up to date")
		}
		return nil
	},
}

// reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload process specs",
	Long:  "Re-read spec files and reconcile: start new processes, stop removed ones, restart changed ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/reload")
		if err != nil {
			return err
		}

		if added, ok := result["added"]; ok {
			fmt.Printf("Added: %v\n", added)
		}
		if removed, ok := result["removed"]; ok {
			fmt.Printf("Removed: %v\n", removed)
		}
		if restarted, ok := result["restarted"]; ok {
			fmt.Printf("Restarted: %v\n", restarted)
		}
		if result["added"] == nil && result["removed"] == nil && result["restarted"] == nil {
			fmt.Println("No changes")
		}
		return nil
	},
}

// logs command
var logsCmd = &cobra.Command{
	Use:   "logs <process>",
	Short: "Show recent log output for a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet(fmt.Sprintf("/v1/processes/%s/logs?n=%s", args[0], strconv.Itoa(n)), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(checkUpdateCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(logsCmd)
}
