package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rumor-ml/commons.systems/finimport/internal/config"
	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/output"
	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
	"github.com/rumor-ml/commons.systems/finimport/internal/registry"
	"github.com/rumor-ml/commons.systems/finimport/internal/rules"
	"github.com/rumor-ml/commons.systems/finimport/internal/scanner"
	"github.com/rumor-ml/commons.systems/finimport/internal/ui"
)

type importOptions struct {
	account   string
	mapping   domain.ColumnMapping
	rulesFile string
	store     config.StoreConfig
	output    string
	merge     bool
	dryRun    bool
	limit     int
}

func newImportCommand(g *globals) *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import <file|dir>...",
		Short: "Import statement files and report new and duplicate transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), g.cfg, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.account, "account", "", "destination account id (default: inferred from {institution}/{account}/ directories)")
	f.StringVar(&opts.mapping.Date, "mapping-date", "", "CSV date column")
	f.StringVar(&opts.mapping.Amount, "mapping-amount", "", "CSV signed amount column")
	f.StringVar(&opts.mapping.Debit, "mapping-debit", "", "CSV debit column")
	f.StringVar(&opts.mapping.Credit, "mapping-credit", "", "CSV credit column")
	f.StringVar(&opts.mapping.Description, "mapping-description", "", "CSV description column")
	f.StringVar(&opts.mapping.Memo, "mapping-memo", "", "CSV memo column")
	f.StringVar(&opts.mapping.Reference, "mapping-reference", "", "CSV reference column")
	f.StringVar(&opts.mapping.Vendor, "mapping-vendor", "", "CSV vendor column")
	f.StringVar(&opts.rulesFile, "rules", "", "import rules YAML file (default: built-in rules)")
	f.StringVar((*string)(&opts.store.Kind), "store", "", "key store: none, state, sqlite or firestore")
	f.StringVar(&opts.store.Path, "store-path", "", "state file or SQLite database path")
	f.StringVar(&opts.store.ProjectID, "project", "", "Firestore project id")
	f.StringVar(&opts.output, "output", "", "output JSON file (default: stdout)")
	f.BoolVar(&opts.merge, "merge", false, "merge with an existing output file")
	f.BoolVar(&opts.dryRun, "dry-run", false, "classify duplicates without saving import keys")
	f.IntVar(&opts.limit, "limit", 0, "maximum records parsed per file (0 = no limit)")

	return cmd
}

// resolve merges the command flags over the configuration.
func (o *importOptions) resolve(cfg *config.Config) (*domain.ColumnMapping, config.StoreConfig, string) {
	var mapping *domain.ColumnMapping
	if cfg.CSVMapping != nil {
		m := *cfg.CSVMapping
		mapping = &m
	}
	if o.mapping != (domain.ColumnMapping{}) {
		if mapping == nil {
			mapping = &domain.ColumnMapping{}
		}
		overrideString(&mapping.Date, o.mapping.Date)
		overrideString(&mapping.Amount, o.mapping.Amount)
		overrideString(&mapping.Debit, o.mapping.Debit)
		overrideString(&mapping.Credit, o.mapping.Credit)
		overrideString(&mapping.Description, o.mapping.Description)
		overrideString(&mapping.Memo, o.mapping.Memo)
		overrideString(&mapping.Reference, o.mapping.Reference)
		overrideString(&mapping.Vendor, o.mapping.Vendor)
	}

	store := cfg.Store
	if o.store.Kind != "" {
		store.Kind = o.store.Kind
	}
	overrideString(&store.Path, o.store.Path)
	overrideString(&store.ProjectID, o.store.ProjectID)

	rulesFile := cfg.RulesFile
	overrideString(&rulesFile, o.rulesFile)

	return mapping, store, rulesFile
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func loadRules(path string) (*rules.Engine, error) {
	if path == "" {
		engine, err := rules.LoadEmbedded()
		if err != nil {
			return nil, fmt.Errorf("failed to load embedded rules: %w", err)
		}
		return engine, nil
	}
	engine, err := rules.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules file: %w", err)
	}
	return engine, nil
}

func runImport(ctx context.Context, cfg *config.Config, opts *importOptions, paths []string) error {
	log := logger.FromContext(ctx)
	mapping, storeCfg, rulesFile := opts.resolve(cfg)

	ui.Header("Importing Statements")
	ui.Step(1, 3, "Scanning")
	files, skipped, err := scanner.ScanPaths(paths)
	if err != nil {
		return err
	}
	for _, sf := range skipped {
		ui.Warning(fmt.Sprintf("skipping %s: %s", sf.Path, sf.Reason))
	}
	if len(files) == 0 {
		return fmt.Errorf("no statement files found in %v (supported formats: %s)",
			paths, strings.Join(registry.ListParsers(), ", "))
	}
	ui.Success(fmt.Sprintf("Found %d statement files", len(files)))

	engine, err := loadRules(rulesFile)
	if err != nil {
		return err
	}
	log.Debug().Int("rules", len(engine.GetRules())).Str("file", rulesFile).Msg("loaded import rules")

	store, err := openStore(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", storeCfg.Kind, err)
	}
	if store != nil {
		defer func() {
			if cerr := store.close(); cerr != nil {
				log.Warn().Err(cerr).Msg("failed to close store")
			}
		}()
	}

	importerOpts := []pipeline.Option{
		pipeline.WithRules(engine),
		pipeline.WithMaxUploadBytes(cfg.MaxUploadBytes),
	}
	if store != nil {
		importerOpts = append(importerOpts, pipeline.WithKeyLookup(store))
		if !opts.dryRun {
			importerOpts = append(importerOpts, pipeline.WithCommit(store.commit))
		}
	}
	importer := pipeline.NewImporter(importerOpts...)

	jobs := make([]pipeline.FileJob, len(files))
	for i, f := range files {
		jobs[i] = pipeline.FileJob{Path: f.Path, AccountID: opts.account}
		if jobs[i].AccountID == "" {
			jobs[i].AccountID = f.Metadata.AccountHint()
		}
	}

	ui.Step(2, 3, "Importing")
	fileResults, err := importer.ImportFiles(ctx, jobs, pipeline.Request{Mapping: mapping, Limit: opts.limit},
		func(e pipeline.ProgressEvent) {
			if e.Status == "error" {
				ui.Warning(fmt.Sprintf("[%d/%d] %s: %s", e.Processed, e.Total, e.FileName, e.Error))
				return
			}
			ui.Info(fmt.Sprintf("[%d/%d] %s", e.Processed, e.Total, e.FileName))
		})
	if err != nil {
		return fmt.Errorf("import interrupted: %s", pipeline.UserMessage(err))
	}

	ui.Step(3, 3, "Writing report")
	var (
		results []*pipeline.Result
		failed  int
	)
	for i, fr := range fileResults {
		if fr.Err != nil {
			failed++
			if store != nil && !opts.dryRun {
				if err := store.recordSession(ctx, jobs[i].AccountID, fr.Path, nil, fr.Err); err != nil {
					log.Warn().Err(err).Str("path", fr.Path).Msg("failed to record import session")
				}
			}
			continue
		}
		ui.ImportSummary(fr.Result)
		results = append(results, fr.Result)
	}

	report := output.NewReport(results, time.Now().UTC())
	if err := output.WriteReportToFile(report, output.WriteOptions{MergeMode: opts.merge, FilePath: opts.output}); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if opts.output != "" {
		ui.Success(fmt.Sprintf("Output written to %s", opts.output))
	}
	if opts.dryRun {
		ui.Info("Dry run: no import keys were saved")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to import", failed, len(fileResults))
	}
	return nil
}
