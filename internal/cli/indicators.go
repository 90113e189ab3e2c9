package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/casehawk/internal/repository"
)

var indicatorsCmd = &cobra.Command{
	Use:     "indicators",
	Aliases: []string{"ioc"},
	Short:   "Manage a case's indicators of compromise",
}

var indicatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indicators",
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, _ := cmd.Flags().GetInt64("case")
		activeOnly, _ := cmd.Flags().GetBool("active")
		if caseID <= 0 {
			return fmt.Errorf("--case is required")
		}
		ctx := cmd.Context()
		repo, _, _, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		inds, err := repo.ListIndicators(ctx, caseID, activeOnly)
		if err != nil {
			return err
		}
		return render(inds, func() {
			t := NewTable([]string{"ID", "TYPE", "VALUE", "ACTIVE", "MATCHES", "ERROR"})
			for _, ind := range inds {
				t.AddRow([]string{
					fmt.Sprint(ind.ID), ind.Type, ind.Value,
					strconv.FormatBool(ind.Active), fmt.Sprint(ind.MatchCount), ind.LastError,
				})
			}
			t.Render()
		})
	},
}

var indicatorsAddCmd = &cobra.Command{
	Use:   "add TYPE VALUE",
	Short: "Add an indicator",
	Example: `  casehawk indicators add --case 12 ip 203.0.113.7
  casehawk indicators add --case 12 url 'https://a.b/c?d=1'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, _ := cmd.Flags().GetInt64("case")
		if caseID <= 0 {
			return fmt.Errorf("--case is required")
		}
		ind := &repository.Indicator{CaseID: caseID, Type: args[0], Value: args[1], Active: true}
		if err := validateIndicator(ind); err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, _, _, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.CreateIndicator(ctx, ind); err != nil {
			return err
		}
		return render(ind, func() { Success("added %s indicator %d", ind.Type, ind.ID) })
	},
}

var indicatorsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Add indicators from a YAML file (- for stdin)",
	Long: `The file is a YAML list of indicators:

  - type: domain
    value: beacon.evil.example
  - type: hash
    value: 44d88612fea8a8f36de82e1278abb02f
    active: false

Indicators already present in the case are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, _ := cmd.Flags().GetInt64("case")
		if caseID <= 0 {
			return fmt.Errorf("--case is required")
		}

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		inds, err := parseIndicators(r, caseID)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repo, _, _, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		var added, skipped int
		for _, ind := range inds {
			err := repo.CreateIndicator(ctx, ind)
			switch {
			case errors.Is(err, repository.ErrIndicatorExists):
				skipped++
			case err != nil:
				return fmt.Errorf("add %s %q: %w", ind.Type, ind.Value, err)
			default:
				added++
			}
		}
		Success("added %d indicators, %d already present", added, skipped)
		return nil
	},
}

var indicatorsRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Delete an indicator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid indicator id %q", args[0])
		}
		ctx := cmd.Context()
		repo, _, _, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.DeleteIndicator(ctx, id); err != nil {
			return err
		}
		Success("deleted indicator %d", id)
		return nil
	},
}

func toggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an indicator for later hunts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid indicator id %q", args[0])
			}
			ctx := cmd.Context()
			repo, _, _, err := openRepo(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.SetIndicatorActive(ctx, id, active); err != nil {
				return err
			}
			Success("indicator %d %sd", id, use)
			return nil
		},
	}
}

func validateIndicator(ind *repository.Indicator) error {
	if !slices.Contains(repository.IndicatorTypes, ind.Type) {
		return fmt.Errorf("unknown indicator type %q (%s)", ind.Type, strings.Join(repository.IndicatorTypes, ", "))
	}
	if strings.TrimSpace(ind.Value) == "" {
		return fmt.Errorf("indicator value is empty")
	}
	return nil
}

// importedIndicator is one entry of an import file; active defaults to true.
type importedIndicator struct {
	Type   string `yaml:"type"`
	Value  string `yaml:"value"`
	Active *bool  `yaml:"active"`
}

func parseIndicators(r io.Reader, caseID int64) ([]*repository.Indicator, error) {
	var entries []importedIndicator
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse indicators: %w", err)
	}

	inds := make([]*repository.Indicator, 0, len(entries))
	for i, e := range entries {
		ind := &repository.Indicator{CaseID: caseID, Type: e.Type, Value: e.Value, Active: true}
		if e.Active != nil {
			ind.Active = *e.Active
		}
		if err := validateIndicator(ind); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		inds = append(inds, ind)
	}
	return inds, nil
}

func init() {
	rootCmd.AddCommand(indicatorsCmd)
	indicatorsCmd.AddCommand(indicatorsListCmd, indicatorsAddCmd, indicatorsImportCmd, indicatorsRemoveCmd,
		toggleCmd("enable", true), toggleCmd("disable", false))

	indicatorsCmd.PersistentFlags().Int64("case", 0, "case id")
	indicatorsListCmd.Flags().Bool("active", false, "only active indicators")
}
