package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/overseer/internal/config"
	"github.com/basket/overseer/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCommand(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := loadConfig(g)
			if err != nil {
				// Diagnose anyway; every check that needs config is skipped.
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
			} else {
				cfgPtr = &cfg
			}

			diag := doctor.Run(cmd.Context(), cfgPtr, Version)
			p := newPrinter(cmd.OutOrStdout())
			if asJSON {
				if err := p.json(diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(p, diag)
			}
			if diag.Failed() {
				cmd.SilenceErrors = true
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDiagnosis(p *printer, diag doctor.Diagnosis) {
	fmt.Fprintf(p.w, "overseer doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(p.w, "system: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(p.w, "---")
	for _, res := range diag.Results {
		status := res.Status
		switch status {
		case doctor.StatusPass:
			status = p.style(p.ok, status)
		case doctor.StatusWarn:
			status = p.style(p.warn, status)
		case doctor.StatusFail:
			status = p.style(p.bad, status)
		default:
			status = p.style(p.dim, status)
		}
		fmt.Fprintf(p.w, "%s %-15s %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(p.w, "     %s\n", p.style(p.dim, res.Detail))
		}
	}
}
