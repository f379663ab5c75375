package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"

	"github.com/dvloznov/invoice-warehouse/internal/app"
	"github.com/dvloznov/invoice-warehouse/internal/config"
	"github.com/dvloznov/invoice-warehouse/internal/export"
	infra "github.com/dvloznov/invoice-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
	"github.com/dvloznov/invoice-warehouse/internal/pdfinfo"
	"github.com/dvloznov/invoice-warehouse/internal/pipeline"
	"github.com/dvloznov/invoice-warehouse/internal/rawstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	args := os.Args[2:]
	switch os.Args[1] {
	case "process":
		err = runProcess(ctx, cfg, args)
	case "normalize":
		err = runNormalize(ctx, cfg, args)
	case "pages":
		err = runPages(args)
	case "upload":
		err = runUpload(ctx, cfg, args)
	case "init-warehouse":
		err = runInitWarehouse(ctx, cfg)
	case "runs":
		err = runListRuns(ctx, cfg, args)
	case "delete-run":
		err = runDeleteRun(ctx, cfg, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		exitErr(log, err)
	}
}

func exitErr(log zerolog.Logger, err error) {
	log.Error().Err(err).Msg("Command failed")
	os.Exit(1)
}

func printUsage() {
	fmt.Println("Invoice warehouse CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  invoices <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  process         Parse, extract and normalize PDF invoices (files, directories or gs:// URIs)")
	fmt.Println("  normalize       Build tables from previously dumped parse/extract JSON")
	fmt.Println("  pages           Print page counts and estimated parse credits")
	fmt.Println("  upload          Upload a PDF to the configured GCS bucket")
	fmt.Println("  init-warehouse  Create the BigQuery dataset and tables")
	fmt.Println("  runs            List recent processing runs")
	fmt.Println("  delete-run      Delete a processing run and its rows")
	fmt.Println("  help            Show this help message")
	fmt.Println("\nRun 'invoices <command> -h' for more information on a command.")
}

func runProcess(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	csvOut := fs.Bool("csv", true, "write the tables as CSV under <output-dir>/tables/<run id>")
	xlsxOut := fs.Bool("xlsx", false, "write the tables as an XLSX workbook under <output-dir>/tables")
	outputDir := fs.String("output-dir", cfg.Pipeline.OutputDir, "directory for raw responses and tables")
	extractor := fs.String("extractor", cfg.Pipeline.Extractor, "extraction backend: ade or gemini")
	_ = fs.Parse(args)

	cfg.Pipeline.OutputDir = *outputDir
	cfg.Pipeline.Extractor = strings.ToLower(*extractor)

	sources, err := resolveSources(fs.Args())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("process: no PDF documents given")
	}

	var extra []pipeline.TableSink
	tablesDir := filepath.Join(cfg.Pipeline.OutputDir, "tables")
	if *csvOut {
		extra = append(extra, &export.CSVSink{Dir: tablesDir})
	}
	if *xlsxOut {
		extra = append(extra, &export.XLSXSink{Dir: tablesDir})
	}

	a, err := app.New(ctx, cfg, extra...)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Processor.ProcessBatch(ctx, sources)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tPAGES\tCHUNKS\tPARSE CREDITS\tEST. COST")
	for _, d := range res.Documents {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", d.Stem, d.Cost.Pages, d.Chunks, d.Cost.ParseCredits, d.Cost.TotalCost)
	}
	_ = w.Flush()
	fmt.Printf("\nRun %s: %d invoices, %d chunks, %d line items\n",
		res.RunID, res.Tables.Invoices.Len(), res.Tables.Chunks.Len(), res.Tables.LineItems.Len())
	return nil
}

// resolveSources expands directories into the PDFs they contain. gs:// URIs
// and files pass through unchanged.
func resolveSources(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		if rawstore.IsGCSURI(arg) {
			out = append(out, arg)
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("resolveSources: %w", err)
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("resolveSources: %w", err)
		}
		var pdfs []string
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
				pdfs = append(pdfs, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(pdfs)
		out = append(out, pdfs...)
	}
	return out, nil
}

func runNormalize(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("normalize", flag.ExitOnError)
	dir := fs.String("dir", cfg.Pipeline.OutputDir, "directory holding parse_<stem>.json / extract_<stem>.json dumps")
	out := fs.String("out", filepath.Join(cfg.Pipeline.OutputDir, "tables"), "output directory")
	format := fs.String("format", "csv", "output format: csv or xlsx")
	load := fs.Bool("load", false, "also load the tables into BigQuery")
	_ = fs.Parse(args)

	log := logger.FromContext(ctx)

	stems := fs.Args()
	if len(stems) == 0 {
		var err error
		if stems, err = rawstore.ListStems(*dir); err != nil {
			return err
		}
	}
	if len(stems) == 0 {
		return fmt.Errorf("normalize: no parse dumps found in %s", *dir)
	}

	pairs := make([]normalizer.DocumentPair, 0, len(stems))
	for _, stem := range stems {
		parse, extract, err := rawstore.LoadPair(*dir, stem)
		if err != nil {
			return err
		}
		pairs = append(pairs, normalizer.DocumentPair{Parse: parse, Extract: extract})
	}

	tables, err := normalizer.NormalizeBatch(pairs)
	if err != nil {
		return err
	}
	log.Info().
		Str("run_id", tables.RunID).
		Int("invoices", tables.Invoices.Len()).
		Int("line_items", tables.LineItems.Len()).
		Msg("Normalized dumps")

	var sink pipeline.TableSink
	switch strings.ToLower(*format) {
	case "csv":
		sink = &export.CSVSink{Dir: *out}
	case "xlsx":
		sink = &export.XLSXSink{Dir: *out}
	default:
		return fmt.Errorf("normalize: unknown format %q", *format)
	}
	if err := sink.WriteTables(ctx, tables); err != nil {
		return err
	}

	if *load {
		repo, err := app.NewWarehouse(ctx, cfg)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := loadTables(ctx, repo, tables); err != nil {
			return err
		}
	}

	fmt.Printf("Run %s: %d invoices written to %s\n", tables.RunID, tables.Invoices.Len(), *out)
	return nil
}

// loadTables records a run around a plain table load.
func loadTables(ctx context.Context, repo *infra.Repository, tables *normalizer.Tables) error {
	info := infra.RunInfo{RunID: tables.RunID, Extractor: "dump", DocumentCount: tables.Invoices.Len()}
	if err := repo.StartRun(ctx, info); err != nil {
		return err
	}
	if err := repo.WriteTables(ctx, tables); err != nil {
		repo.MarkRunFailed(ctx, tables.RunID, err)
		return err
	}
	return repo.MarkRunSucceeded(ctx, tables.RunID, infra.RunStats{
		Documents: tables.Invoices.Len(),
		Chunks:    tables.Chunks.Len(),
		LineItems: tables.LineItems.Len(),
	})
}

func runPages(args []string) error {
	fs := flag.NewFlagSet("pages", flag.ExitOnError)
	_ = fs.Parse(args)

	paths, err := resolveSources(fs.Args())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("pages: no PDF documents given")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tPAGES\tPARSE CREDITS")
	total := 0
	for _, p := range paths {
		if err := pdfinfo.ValidateDocument(p); err != nil {
			return err
		}
		n, err := pdfinfo.PageCount(p)
		if err != nil {
			return err
		}
		total += n
		fmt.Fprintf(w, "%s\t%d\t%d\n", filepath.Base(p), n, n*pdfinfo.ParseCreditsPerPage)
	}
	fmt.Fprintf(w, "TOTAL\t%d\t%d\n", total, total*pdfinfo.ParseCreditsPerPage)
	return w.Flush()
}

func runUpload(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	filePath := fs.String("file", "", "path to local PDF file")
	objectName := fs.String("object", "", "object name (defaults to inbox/<filename>)")
	_ = fs.Parse(args)

	if *filePath == "" {
		return errors.New("upload: -file is required")
	}
	if cfg.GCS.Bucket == "" {
		return errors.New("upload: no bucket configured (GCS_BUCKET)")
	}
	if err := pdfinfo.ValidateDocument(*filePath); err != nil {
		return err
	}
	if *objectName == "" {
		*objectName = "inbox/" + filepath.Base(*filePath)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("upload: storage client: %w", err)
	}
	defer client.Close()

	uri, err := rawstore.NewGCSSink(client, cfg.GCS.Bucket, cfg.GCS.Prefix).UploadFile(ctx, *objectName, *filePath)
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s to %s\n", *filePath, uri)
	return nil
}

func runInitWarehouse(ctx context.Context, cfg *config.Config) error {
	repo, err := app.NewWarehouse(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.EnsureTables(ctx); err != nil {
		return err
	}
	fmt.Printf("Dataset %s is ready.\n", repo.Dataset())
	return nil
}

func runListRuns(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of runs to show")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	_ = fs.Parse(args)

	repo, err := app.NewWarehouse(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATUS\tEXTRACTOR\tDOCS\tLINE ITEMS\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.RunID, r.StartedTS.Format(time.RFC3339), r.Status, r.Extractor,
			r.DocumentCount.Int64, r.LineItemCount.Int64, r.ErrorMessage.StringVal)
	}
	return w.Flush()
}

func runDeleteRun(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("delete-run", flag.ExitOnError)
	runID := fs.String("run-id", "", "processing run to delete")
	_ = fs.Parse(args)

	if *runID == "" {
		return errors.New("delete-run: -run-id is required")
	}

	repo, err := app.NewWarehouse(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.DeleteRun(ctx, *runID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s.\n", *runID)
	return nil
}
