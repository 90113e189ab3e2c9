package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/casehawk/internal/reset"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove rule violations and/or IOC matches",
	Long: `Deletes stored results and the matching annotations on indexed documents.
Refused while a task is running on the file, or on any file of the case for a
case-wide clear.`,
	Example: `  casehawk clear --case 12 --what all
  casehawk clear --case 12 --file 41 --what ioc-matches`,
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, _ := cmd.Flags().GetInt64("case")
		fileID, _ := cmd.Flags().GetInt64("file")
		what, _ := cmd.Flags().GetString("what")
		if caseID <= 0 {
			return fmt.Errorf("--case is required")
		}

		scope := reset.Scope{Kind: reset.ScopeCase, CaseID: caseID}
		if fileID > 0 {
			scope = reset.Scope{Kind: reset.ScopeFile, CaseID: caseID, FileID: fileID}
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Reset.Clear(ctx, scope, reset.What(what))
		if err != nil {
			return err
		}
		return render(report, func() {
			t := NewTable([]string{"SCOPE", "VIOLATIONS", "IOC MATCHES", "RULE FLAGS", "IOC FLAGS"})
			t.AddRow([]string{
				string(report.Scope.Kind),
				fmt.Sprint(report.ViolationsDeleted),
				fmt.Sprint(report.MatchesDeleted),
				fmt.Sprint(report.RuleFlagsCleared),
				fmt.Sprint(report.IOCFlagsCleared),
			})
			t.Render()
			Success("cleared %s", report.What)
		})
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().Int64("case", 0, "case id")
	clearCmd.Flags().Int64("file", 0, "limit the clear to one file of the case")
	clearCmd.Flags().String("what", string(reset.WhatAll), "violations, ioc-matches or all")
}
