// Package cli wires the mpkg subcommands onto pkg/ops using cobra.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"mpkg/pkg/config"
	"mpkg/pkg/mpkgerr"
	"mpkg/pkg/ops"
)

// Execute builds the mpkg command tree and runs it against args (normally
// os.Args[1:]).
func Execute(cfg *config.Config, args []string) error {
	root := newRootCmd(cfg)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	m := ops.New(cfg)
	var query string

	root := &cobra.Command{
		Use:           "mpkg",
		Short:         "Source-based package manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	infoCmd := &cobra.Command{
		Use:   "info <pkg>",
		Short: "Show recipe metadata and installed status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := m.Info(args[0])
			if err != nil {
				return err
			}
			return printQueryable(report, query)
		},
	}
	infoCmd.Flags().StringVar(&query, "query", "", "filter output through a jq expression")

	buildCmd := &cobra.Command{
		Use:   "build <pkg>",
		Short: "Resolve dependencies and build a package from source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.Build(args[0])
		},
	}

	installCmd := &cobra.Command{
		Use:   "install <pkg>",
		Short: "Stage and commit a previously built package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.Install(args[0])
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <pkg>",
		Short: "Remove an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.Remove(args[0])
		},
	}

	orphansCmd := &cobra.Command{
		Use:   "orphans",
		Short: "List installed packages that are neither manual nor a dependency of any installed package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orphans, err := m.Orphans()
			if err != nil {
				return err
			}
			for _, name := range orphans {
				fmt.Println(name)
			}
			return nil
		},
	}

	autoremoveCmd := &cobra.Command{
		Use:   "autoremove",
		Short: "Remove every orphaned package, leaves first, to a fixed point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := m.Autoremove()
			if err != nil {
				return err
			}
			for _, name := range removed {
				fmt.Println("removed", name)
			}
			return nil
		},
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild <pkg>",
		Short: "Remove, build, and reinstall a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.Rebuild(args[0])
		},
	}

	rebuildSystemCmd := &cobra.Command{
		Use:   "rebuild-system",
		Short: "Rebuild every installed package in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.RebuildSystem()
		},
	}

	upgradeCmd := &cobra.Command{
		Use:   "upgrade <pkg>",
		Short: "Rebuild a package if its recipe version is newer than installed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := m.Upgrade(args[0])
			if err != nil {
				return err
			}
			switch report.Action {
			case "no-upgrade":
				fmt.Printf("%s: no upgrade (installed %s, recipe %s)\n", args[0], report.FromVersion, report.ToVersion)
			case "installed":
				fmt.Printf("%s: installed %s\n", args[0], report.ToVersion)
			case "upgraded":
				fmt.Printf("%s: upgraded %s -> %s\n", args[0], report.FromVersion, report.ToVersion)
			}
			return nil
		},
	}

	listInstalledCmd := &cobra.Command{
		Use:   "list-installed",
		Short: "List every installed package, sorted by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := m.ListInstalled()
			if err != nil {
				return err
			}
			if query != "" {
				return printQueryable(entries, query)
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\t%s\n", e.Name, e.Version, e.InstalledAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	listInstalledCmd.Flags().StringVar(&query, "query", "", "filter output through a jq expression")

	markManualCmd := &cobra.Command{
		Use:   "mark-manual <pkg>",
		Short: "Mark a package as manually requested",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.MarkManual(args[0])
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull recipe updates from the recipes_dir git repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := exec.Command("git", "-C", cfg.RecipesDir, "pull", "--ff-only")
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}

	root.AddCommand(infoCmd, buildCmd, installCmd, removeCmd, orphansCmd, autoremoveCmd,
		rebuildCmd, rebuildSystemCmd, upgradeCmd, listInstalledCmd, markManualCmd, syncCmd)

	return root
}

// printQueryable prints v as JSON, or as the result of running a jq
// expression over it when query is non-empty.
func printQueryable(v any, query string) error {
	if query == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	q, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("parsing query: %w", err)
	}
	iter := q.Run(decoded)
	for {
		res, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := res.(error); ok {
			return err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

// ExitCodeFor maps an operation error to a process exit code, per the
// error taxonomy: most failures are a plain 1, but a locked database gets
// its own code so scripts can distinguish "busy" from "broken".
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var locked *mpkgerr.DatabaseLockedError
	if errors.As(err, &locked) {
		return 2
	}
	return 1
}
