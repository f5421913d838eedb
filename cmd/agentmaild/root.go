package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentmail-dev/agentmail/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config

	jsonOutput bool
	noColor    bool

	// Build information, set by the release process via ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "agentmaild",
	Short: "Coordination mail service for swarms of autonomous code-writing agents",
	Long: `agentmaild runs the reservation manager, threaded messaging store, and
REST/MCP tool-dispatch layer that cooperating coding agents use to claim
files, send each other mail, and avoid stepping on one another's work.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
			color.NoColor = true
		}
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "path to config.toml")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newGuardCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				fmt.Printf(`{"version":%q,"commit":%q,"date":%q}`+"\n", Version, Commit, Date)
				return nil
			}
			fmt.Printf("agentmaild %s (%s) built %s\n", Version, Commit, Date)
			return nil
		},
	}
}

// Execute runs the root command, printing errors to stderr unless --json
// was requested (a JSON caller is expected to parse stdout, not stderr
// prose).
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		if !jsonOutput {
			fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		}
		return err
	}
	return nil
}
