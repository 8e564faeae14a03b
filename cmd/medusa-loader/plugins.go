package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"MedusaLoader/internal/plugins"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the plugin modules the loader would load",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		dir, created, err := plugins.ResolveDir(a.cfg.PluginsDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if created {
			fmt.Fprintf(out, "created %s\n", dir)
		}
		all, err := plugins.Scan(dir, a.cfg.DisabledPlugins)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintf(out, "no plugins in %s\n", dir)
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATE\tSIZE")
		for _, p := range all {
			state := "enabled"
			if !p.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, state, humanize.IBytes(uint64(p.Size)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d of %d enabled\n", len(plugins.Enabled(all)), len(all))
		return nil
	},
}
