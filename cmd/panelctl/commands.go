package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show panel version and updater status",
		Long:  `Display the panel checkout identity, the updater status and the last check outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL, timeout)

			ver, err := client.getVersion()
			if err != nil {
				return err
			}
			status, err := client.getStatus()
			if err != nil {
				return err
			}

			if outputJSON {
				printJSON(map[string]interface{}{
					"version": ver,
					"status":  status,
				})
				return nil
			}

			fmt.Printf("Panel Status\n")
			fmt.Printf("============\n")
			fmt.Printf("Title:       %s\n", ver.Version.Title)
			fmt.Printf("Revision:    %s\n", ver.Version.Hash)
			if ver.Version.Description != "" {
				fmt.Printf("Commit:      %s\n", ver.Version.Description)
			}
			fmt.Printf("Status:      %s\n", status.Status)
			if status.LastChecked != "" {
				fmt.Printf("Checked:     %s\n", status.LastChecked)
			}
			if status.NewVersionInfo != nil {
				fmt.Printf("\nUpdate available: %s\n", status.NewVersionInfo.Description)
				if status.NewVersionInfo.Changelog != "" {
					fmt.Printf("\nChangelog:\n%s\n", indent(status.NewVersionInfo.Changelog, "  "))
				}
			}
			fmt.Printf("\nDaemon:      %s (up %s)\n", ver.Daemon.Version, formatDuration(ver.Daemon.UptimeSec))
			if ver.Host != nil {
				fmt.Printf("Host:        %s (%s %s, %s)\n", ver.Host.Hostname, ver.Host.Platform, ver.Host.PlatformVersion, ver.Host.Arch)
			}

			return nil
		},
	}

	return cmd
}

// newCheckCmd creates the check command
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the panel checkout against its git remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL, timeout)

			last, err := client.streamCheck(func(ev Event) {
				if verbose && ev.Log != "" {
					fmt.Printf("  %s\n", ev.Log)
				}
			})
			if err != nil {
				return err
			}

			if outputJSON {
				printJSON(last)
				return nil
			}

			switch last.Status {
			case "uptodate":
				fmt.Println("✓ Panel is up to date")
			case "available":
				fmt.Println("⬆ Update available")
				if last.NewVersionInfo != nil {
					fmt.Printf("  %s\n", last.NewVersionInfo.Description)
					if last.NewVersionInfo.Changelog != "" {
						fmt.Printf("\nChangelog:\n%s\n", indent(last.NewVersionInfo.Changelog, "  "))
					}
				}
			case "diverged":
				fmt.Println("⚠ Local checkout has diverged from the remote")
				fmt.Println("  An update would discard local commits; roll back to a backup or resolve manually.")
			case "ahead":
				fmt.Println("⚠ Local checkout is ahead of the remote")
			case "error":
				return fmt.Errorf("check failed: %s", last.Message)
			default:
				fmt.Printf("Status: %s\n", last.Status)
			}

			return nil
		},
	}

	return cmd
}

// newUpdateCmd creates the update command
func newUpdateCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Back up the panel and update it to the latest revision",
		Long: `Create a backup of the panel tree, pull the latest revision from the
git remote, reinstall dependencies and restart the panel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm("Update the panel now?") {
				fmt.Println("Aborted.")
				return nil
			}

			client := newAPIClient(baseURL, timeout)

			last, err := client.streamUpdate(func(ev Event) {
				printEvent(ev)
			})
			if err != nil {
				return err
			}

			switch last.Status {
			case "restarting":
				return waitRestart(client)
			case "error":
				return fmt.Errorf("update failed: %s", last.Message)
			default:
				return fmt.Errorf("stream ended unexpectedly (status %q)", last.Status)
			}
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

// newRollbackCmd creates the rollback command
func newRollbackCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback [backup-file]",
		Short: "Restore the panel tree from a backup archive",
		Long: `Replace the panel tree with the contents of one backup archive,
reinstall dependencies and restart the panel.

Use "panelctl backups list" to see available archives.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if !yes && !confirm(fmt.Sprintf("Roll the panel back to %s?", name)) {
				fmt.Println("Aborted.")
				return nil
			}

			client := newAPIClient(baseURL, timeout)

			last, err := client.streamRollback(name, func(ev Event) {
				printEvent(ev)
			})
			if err != nil {
				return err
			}

			switch last.Status {
			case "restarting":
				return waitRestart(client)
			case "error":
				return fmt.Errorf("rollback failed: %s", last.Message)
			default:
				return fmt.Errorf("stream ended unexpectedly (status %q)", last.Status)
			}
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

// newBackupsCmd creates the backups command group
func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Backup archive management commands",
		Long:  `Commands for listing, creating, deleting and downloading panel backups.`,
	}

	downloadCmd := &cobra.Command{
		Use:   "download [name]",
		Short: "Download a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL, timeout)

			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				out = filepath.Base(args[0])
			}

			file, err := os.Create(out)
			if err != nil {
				return err
			}
			defer file.Close()

			n, err := client.downloadBackup(args[0], file)
			if err != nil {
				os.Remove(out)
				return err
			}

			fmt.Printf("✓ Saved %s (%s)\n", out, formatBytes(n))
			return nil
		},
	}
	downloadCmd.Flags().StringP("output", "o", "", "output file (default: archive name)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List backup archives, newest first",
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newAPIClient(baseURL, timeout)
				backups, err := client.listBackups()
				if err != nil {
					return err
				}

				if outputJSON {
					printJSON(backups)
					return nil
				}

				if len(backups) == 0 {
					fmt.Println("No backups found.")
					return nil
				}

				headers := []string{"Name", "Size", "Created"}
				rows := [][]string{}
				for _, b := range backups {
					rows = append(rows, []string{
						b.Filename,
						formatBytes(b.SizeBytes),
						b.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				printTable(headers, rows)

				return nil
			},
		},
		&cobra.Command{
			Use:   "create",
			Short: "Create a backup of the panel tree",
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newAPIClient(baseURL, timeout)

				arch, err := client.createBackup()
				if err != nil {
					return err
				}

				if outputJSON {
					printJSON(arch)
					return nil
				}

				fmt.Printf("✓ Backup created\n")
				fmt.Printf("  Name: %s\n", arch.Filename)
				fmt.Printf("  Size: %s\n", formatBytes(arch.SizeBytes))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete [name]",
			Short: "Delete a backup archive",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newAPIClient(baseURL, timeout)

				if err := client.deleteBackup(args[0]); err != nil {
					return err
				}

				fmt.Printf("✓ Backup deleted\n")
				return nil
			},
		},
		downloadCmd,
	)

	return cmd
}

// newHistoryCmd creates the history command
func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent maintenance operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL, timeout)

			records, err := client.getHistory(limit)
			if err != nil {
				return err
			}

			if outputJSON {
				printJSON(records)
				return nil
			}

			if len(records) == 0 {
				fmt.Println("No operations recorded.")
				return nil
			}

			headers := []string{"Started", "Kind", "Result", "Message"}
			rows := [][]string{}
			for _, rec := range records {
				result := "running"
				if rec.OK != nil {
					if *rec.OK {
						result = "ok"
					} else {
						result = "failed"
					}
				}
				rows = append(rows, []string{
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Kind,
					result,
					rec.Message,
				})
			}
			printTable(headers, rows)

			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")

	return cmd
}

// newSettingsCmd creates the settings command group
func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Maintenance settings commands",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update maintenance settings",
		Long: `Update one or more maintenance settings. Unset flags keep their
current values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL, timeout)

			current, err := client.getSettings()
			if err != nil {
				return err
			}

			next := *current
			if cmd.Flags().Changed("schedule") {
				next.CheckSchedule, _ = cmd.Flags().GetString("schedule")
			}
			if cmd.Flags().Changed("keep") {
				next.KeepBackups, _ = cmd.Flags().GetInt("keep")
			}
			if cmd.Flags().Changed("max-age-days") {
				next.MaxBackupAgeDays, _ = cmd.Flags().GetInt("max-age-days")
			}
			if cmd.Flags().Changed("notify-url") {
				next.NotifyURL, _ = cmd.Flags().GetString("notify-url")
			}

			saved, err := client.putSettings(next)
			if err != nil {
				return err
			}

			if outputJSON {
				printJSON(saved)
				return nil
			}

			fmt.Println("✓ Settings updated")
			printSettings(saved)
			return nil
		},
	}
	setCmd.Flags().String("schedule", "", "cron expression for background checks (empty disables)")
	setCmd.Flags().Int("keep", 0, "number of backups retention keeps (0 disables)")
	setCmd.Flags().Int("max-age-days", 0, "drop backups older than this many days (0 disables)")
	setCmd.Flags().String("notify-url", "", "webhook URL for update notifications (empty disables)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show maintenance settings",
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newAPIClient(baseURL, timeout)

				s, err := client.getSettings()
				if err != nil {
					return err
				}

				if outputJSON {
					printJSON(s)
					return nil
				}

				printSettings(s)
				return nil
			},
		},
		setCmd,
	)

	return cmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show panelctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("panelctl version %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	return cmd
}

// newCompletionCmd creates the completion command
func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion script for panelctl.

To load completions:

Bash:
  $ source <(panelctl completion bash)
  # To load completions for each session, execute once:
  $ panelctl completion bash > /etc/bash_completion.d/panelctl

Zsh:
  $ source <(panelctl completion zsh)
  # To load completions for each session, execute once:
  $ panelctl completion zsh > "${fpath[1]}/_panelctl"

Fish:
  $ panelctl completion fish | source
  # To load completions for each session, execute once:
  $ panelctl completion fish > ~/.config/fish/completions/panelctl.fish

PowerShell:
  PS> panelctl completion powershell | Out-String | Invoke-Expression
  # To load completions for every new session, run:
  PS> panelctl completion powershell > panelctl.ps1
  # and source this file from your PowerShell profile.
`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(os.Stdout)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}

	return cmd
}

// printEvent renders one stream frame.
func printEvent(ev Event) {
	if ev.Log != "" {
		fmt.Printf("  %s\n", ev.Log)
	}
	if ev.Message != "" {
		fmt.Println(ev.Message)
	}
}

// waitRestart polls the daemon health endpoint until the panel restart
// settles. The daemon itself stays up; this confirms it is still responsive
// and gives the supervisor time to cycle the panel.
func waitRestart(client *APIClient) error {
	fmt.Print("Waiting for restart")
	for i := 0; i < 30; i++ {
		time.Sleep(2 * time.Second)
		if _, err := client.health(); err == nil {
			fmt.Println()
			fmt.Println("✓ Done. Panel restart signaled.")
			return nil
		}
		fmt.Print(".")
	}
	fmt.Println()
	return fmt.Errorf("daemon did not respond after restart; check it manually")
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func printSettings(s *Settings) {
	schedule := s.CheckSchedule
	if schedule == "" {
		schedule = "(disabled)"
	}
	notify := s.NotifyURL
	if notify == "" {
		notify = "(disabled)"
	}
	fmt.Printf("Check schedule:  %s\n", schedule)
	fmt.Printf("Keep backups:    %d\n", s.KeepBackups)
	fmt.Printf("Max age (days):  %d\n", s.MaxBackupAgeDays)
	fmt.Printf("Notify URL:      %s\n", notify)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func formatDuration(sec int64) string {
	d := time.Duration(sec) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", sec)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}

// Helper function to format bytes
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
