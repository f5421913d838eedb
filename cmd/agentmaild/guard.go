package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentmail-dev/agentmail/internal/guard"
)

func newGuardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Manage git pre-commit/pre-push reservation-check hooks",
	}
	cmd.AddCommand(newGuardInstallCmd())
	cmd.AddCommand(newGuardUninstallCmd())
	cmd.AddCommand(newGuardStatusCmd())
	return cmd
}

func guardServerURL() string {
	return fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port)
}

func newGuardInstallCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the reservation-check git hooks in the current repo",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			mgr, err := guard.NewManager(root)
			if err != nil {
				return err
			}
			mode := cfg.GuardMode == "enforce" || cfg.GuardMode == "block"
			for _, t := range []guard.HookType{guard.HookPreCommit, guard.HookPrePush} {
				if err := mgr.Install(t, guardServerURL(), mode, force); err != nil {
					return fmt.Errorf("install %s hook: %w", t, err)
				}
			}
			fmt.Println(color.GreenString("installed"), "guard hooks in", mgr.HooksDir())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing unmanaged hook")
	return cmd
}

func newGuardUninstallCmd() *cobra.Command {
	var restore bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the reservation-check git hooks from the current repo",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			mgr, err := guard.NewManager(root)
			if err != nil {
				return err
			}
			for _, t := range []guard.HookType{guard.HookPreCommit, guard.HookPrePush} {
				if err := mgr.Uninstall(t, restore); err != nil {
					return fmt.Errorf("uninstall %s hook: %w", t, err)
				}
			}
			fmt.Println(color.GreenString("removed"), "guard hooks")
			return nil
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", true, "restore the previous hook from backup, if any")
	return cmd
}

func newGuardStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show installed guard hook status",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			mgr, err := guard.NewManager(root)
			if err != nil {
				return err
			}
			hooks, err := mgr.ListAll()
			if err != nil {
				return err
			}
			for _, h := range hooks {
				fmt.Printf("%s: installed=%v managed=%v\n", h.Type, h.Installed, h.IsManaged)
			}
			return nil
		},
	}
}
