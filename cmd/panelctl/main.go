package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version info (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile    string
	baseURL    string
	timeout    time.Duration
	outputJSON bool
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "panelctl",
	Short: "MikroPanel maintenance command-line interface",
	Long: `panelctl drives the MikroPanel maintenance daemon from the terminal:
version checks, updates, backups and rollbacks.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mikropanel/cli.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "maintenance daemon URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout for non-streaming calls")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	// Add commands
	rootCmd.AddCommand(
		newStatusCmd(),
		newCheckCmd(),
		newUpdateCmd(),
		newRollbackCmd(),
		newBackupsCmd(),
		newHistoryCmd(),
		newSettingsCmd(),
		newVersionCmd(),
		newCompletionCmd(),
	)
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in default locations
		viper.SetConfigName("cli")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/mikropanel")
		viper.AddConfigPath(".")
	}

	// Environment variables
	viper.SetEnvPrefix("MPANEL")
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	// Set defaults
	if baseURL == "" {
		baseURL = viper.GetString("url")
		if baseURL == "" {
			baseURL = "http://127.0.0.1:9090"
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Helper functions

func printJSON(data interface{}) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, col := range row {
			if i < len(widths) && len(col) > widths[i] {
				widths[i] = len(col)
			}
		}
	}

	for i, header := range headers {
		fmt.Printf("%-*s  ", widths[i], header)
	}
	fmt.Println()

	for _, row := range rows {
		for i, col := range row {
			fmt.Printf("%-*s  ", widths[i], col)
		}
		fmt.Println()
	}
}
