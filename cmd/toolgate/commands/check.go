package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oktsec/toolgate/internal/auditcheck"
)

var errUnhealthy = errors.New("config has critical or high findings")

type checkReport struct {
	ConfigPath string               `json:"config_path"`
	Score      int                  `json:"score"`
	Grade      string               `json:"grade"`
	Findings   []auditcheck.Finding `json:"findings"`
	Summary    auditcheck.Summary   `json:"summary"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Grade the configuration for risky or ineffective settings",
		Long:  "Analyzes the toolgate config and database file, producing a health score and actionable findings. Exits non-zero on critical or high findings.",
		Example: `  toolgate check
  toolgate check --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			findings := auditcheck.RunChecks(cfg, cfgFile)
			score, grade := auditcheck.ComputeHealthScore(findings)
			report := checkReport{
				ConfigPath: cfgFile,
				Score:      score,
				Grade:      grade,
				Findings:   findings,
				Summary:    auditcheck.Summarize(findings),
			}
			if report.Findings == nil {
				report.Findings = []auditcheck.Finding{}
			}

			w := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(w, report); err != nil {
					return err
				}
			} else {
				printCheckReport(w, report)
			}
			if report.Summary.Failing() {
				return errUnhealthy
			}
			return nil
		},
	}
}

func printCheckReport(w io.Writer, r checkReport) {
	printHeader(w, "toolgate check")
	printField(w, "Config", r.ConfigPath)
	printField(w, "Health", fmt.Sprintf("%d/100 (%s)", r.Score, r.Grade))

	bySeverity := map[auditcheck.Severity][]auditcheck.Finding{}
	for _, f := range r.Findings {
		bySeverity[f.Severity] = append(bySeverity[f.Severity], f)
	}
	for _, sev := range auditcheck.Severities {
		group := bySeverity[sev]
		if len(group) == 0 {
			continue
		}
		label := sev.String()
		switch sev {
		case auditcheck.Critical, auditcheck.High:
			label = colored(w, denyColor, label)
		case auditcheck.Medium:
			label = colored(w, warnColor, label)
		}
		fmt.Fprintf(w, "\n    %s (%d)\n", label, len(group)) //nolint:errcheck // CLI output
		for _, f := range group {
			fmt.Fprintf(w, "      [%s] %s\n", f.CheckID, f.Title) //nolint:errcheck // CLI output
			fmt.Fprintf(w, "                %s\n", f.Detail)      //nolint:errcheck // CLI output
			if f.Remediation != "" {
				fmt.Fprintf(w, "                fix: %s\n", f.Remediation) //nolint:errcheck // CLI output
			}
		}
	}

	fmt.Fprintln(w) //nolint:errcheck // CLI output
	printRule(w)
	fmt.Fprintf(w, "  Findings: %d critical, %d high, %d medium, %d low, %d info\n\n", //nolint:errcheck // CLI output
		r.Summary.Critical, r.Summary.High, r.Summary.Medium, r.Summary.Low, r.Summary.Info)
}
