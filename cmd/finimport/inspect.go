package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
	"github.com/rumor-ml/commons.systems/finimport/internal/validate"
)

func newCountCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "count <file>",
		Short: "Count the records in a statement file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			n, err := pipeline.Count(cmd.Context(), filepath.Base(args[0]), content)
			if err != nil {
				return fmt.Errorf("%s", pipeline.UserMessage(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return nil
		},
	}
}

func newValidateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check that files would be accepted for import",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := validate.NewFileValidator(g.cfg.MaxUploadBytes)
			out := cmd.OutOrStdout()
			rejected := 0
			for _, path := range args {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				format, err := v.Validate(filepath.Base(path), int64(len(content)), content)
				if err != nil {
					rejected++
					fmt.Fprintf(out, "REJECTED %s: %s\n", path, pipeline.UserMessage(err))
					continue
				}
				fmt.Fprintf(out, "OK       %s (%s)\n", path, format)
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d files rejected", rejected, len(args))
			}
			return nil
		},
	}
}

func newRulesCommand(g *globals) *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the effective import rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.cfg.RulesFile
			overrideString(&path, rulesFile)
			engine, err := loadRules(path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tNAME\tFIELD\tTYPE\tPATTERN\tVENDOR\tCATEGORY")
			for _, r := range engine.GetRules() {
				category := "-"
				if r.CategoryID != nil {
					category = fmt.Sprintf("%d", *r.CategoryID)
				}
				vendor := r.VendorName
				if vendor == "" {
					vendor = "-"
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Priority, r.Name, r.MatchField, r.MatchType, r.Pattern, vendor, category)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "import rules YAML file (default: built-in rules)")
	return cmd
}
