package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// appsCmd manages the app registry
var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage registered apps (hash -> package name)",
}

var appsRegisterCmd = &cobra.Command{
	Use:   "register [hash] [package]",
	Short: "Register the package name of an app",
	Args:  cobra.ExactArgs(2),
	RunE:  runAppsRegister,
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered apps",
	RunE:  runAppsList,
}

func init() {
	appsCmd.AddCommand(appsRegisterCmd)
	appsCmd.AddCommand(appsListCmd)
}

func runAppsRegister(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RegisterApp(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s\n", args[0], args[1])
	return nil
}

func runAppsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	apps, err := st.Apps(cmd.Context())
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No apps registered.")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Registered Apps")
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, a := range apps {
		fmt.Fprintf(out, "  %s  %s  (%s)\n", a.Hash, a.Package, a.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "Total: %d apps\n", len(apps))
	return nil
}
