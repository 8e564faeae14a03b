package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"MedusaLoader/internal/config"
	"MedusaLoader/internal/loaderpe"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the loader module and print its pin",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		m, err := loaderpe.Resolve(a.cfg.LoaderPath, a.cfg.InitExport, a.cfg.LoaderDigest)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "module:  %s\n", m.Path)
		fmt.Fprintf(out, "export:  %s at RVA %#x\n", m.Export, m.RVA)
		fmt.Fprintf(out, "digest:  %s\n", m.DigestHex())
		if a.cfg.LoaderDigest == "" {
			fmt.Fprintf(out, "\nadd to %s to pin it:\nloader_digest: %s\n", config.FileName, m.DigestHex())
		}
		return nil
	},
}
