package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"scopes/internal/daemonctl"
	"scopes/internal/preflight"
	"scopes/internal/registry"
)

const registryBinary = "scoperegistry"

func newRegistryCommands(ctx *commandContext) []*cobra.Command {
	var startDiagnostic bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the scope registry daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := registryExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), ctx.configValue(), exe, ctx.launchOptions(startDiagnostic), 10*time.Second)
			if err != nil {
				return err
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Registry started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Registry already running")
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startDiagnostic, "diagnostic", false, "Write a separate debug-level JSON log")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the scope registry and every scope it launched",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg := ctx.configValue()
			result, err := daemonctl.StopAndTerminate(cmd.Context(), cfg, cfg.StopGrace()+5*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Registry is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Registry did not exit in time; killed pid %d\n", result.PID)
			}
			fmt.Fprintln(stdout, "Registry stopped")
			return nil
		},
	}

	var restartDiagnostic bool
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the scope registry daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := registryExecutable()
			if err != nil {
				return err
			}
			cfg := ctx.configValue()
			result, err := daemonctl.Restart(cmd.Context(), cfg, exe, ctx.launchOptions(restartDiagnostic), cfg.StopGrace()+5*time.Second, 10*time.Second)
			if err != nil {
				return err
			}
			if result.WasRunning {
				fmt.Fprintln(stdout, "Registry stopped")
			}
			fmt.Fprintf(stdout, "Registry restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	restartCmd.Flags().BoolVar(&restartDiagnostic, "diagnostic", false, "Write a separate debug-level JSON log")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show registry state and running scope processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemonctl.BuildSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Scope Registry", colorize) {
				fmt.Fprintln(stdout, line)
			}
			if snap.Running {
				detail := "Running"
				if snap.PID > 0 {
					detail = fmt.Sprintf("Running (pid %d)", snap.PID)
				}
				fmt.Fprintln(stdout, renderStatusLine("Registry", statusOK, detail, colorize))
			} else {
				fmt.Fprintln(stdout, renderStatusLine("Registry", statusWarn, "Not running (run `scopes start`)", colorize))
			}
			fmt.Fprintln(stdout, renderStatusLine("Endpoint", statusInfo, snap.Endpoint, colorize))
			configDetail := "defaults"
			if ctx.configExists {
				configDetail = ctx.configPath
			}
			fmt.Fprintln(stdout, renderStatusLine("Config", statusInfo, configDetail, colorize))

			fmt.Fprintln(stdout)
			for _, line := range renderSectionHeader("Checks", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, r := range preflight.RunAll(ctx.configValue()) {
				fmt.Fprintln(stdout, renderStatusLine(r.Name, checkKind(r), r.Detail, colorize))
			}
			if !snap.Running {
				return nil
			}

			fmt.Fprintln(stdout)
			for _, line := range renderSectionHeader("Scopes", colorize) {
				fmt.Fprintln(stdout, line)
			}
			running := make(map[string]bool, len(snap.Processes))
			for _, p := range snap.Processes {
				running[p.ScopeID] = true
			}
			rows := make([][]string, 0, len(snap.Scopes))
			for _, id := range slices.Sorted(maps.Keys(snap.Scopes)) {
				rows = append(rows, []string{id, snap.Scopes[id].DisplayName, yesNo(running[id])})
			}
			if len(rows) == 0 {
				fmt.Fprintln(stdout, "No scopes installed")
			} else {
				fmt.Fprint(stdout, renderTable([]string{"Scope", "Name", "Running"}, rows, nil))
			}

			if len(snap.Processes) > 0 {
				fmt.Fprintln(stdout)
				for _, line := range renderSectionHeader("Processes", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"Scope", "PID", "Uptime", "RSS", "CPU"},
					processRows(snap.Processes),
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
			}
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func processRows(procs []registry.ProcessInfo) [][]string {
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		uptime := "-"
		if !p.Started.IsZero() {
			uptime = time.Since(p.Started).Round(time.Second).String()
		}
		rows = append(rows, []string{
			p.ScopeID,
			strconv.Itoa(p.PID),
			uptime,
			fmt.Sprintf("%.1f MiB", float64(p.RSSBytes)/(1<<20)),
			fmt.Sprintf("%.1f%%", p.CPUPercent),
		})
	}
	return rows
}

func checkKind(r preflight.Result) statusKind {
	switch {
	case r.Passed:
		return statusOK
	case r.Optional:
		return statusWarn
	default:
		return statusError
	}
}

// registryExecutable prefers a scoperegistry installed next to this binary.
func registryExecutable() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), registryBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(registryBinary)
	if err != nil {
		return "", fmt.Errorf("resolve %s executable: %w", registryBinary, err)
	}
	return path, nil
}
