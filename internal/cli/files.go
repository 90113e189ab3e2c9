package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/guard"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/reader"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

// discover expands path patterns ("**" allowed) into a sorted, de-duplicated
// list of regular files. A pattern without matches is an error.
func discover(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			files = append(files, abs)
		}
	}
	sort.Strings(files)
	return files, nil
}

// formatFor picks the source format: the explicit one when given, otherwise
// by extension, ignoring a trailing .gz or .zst.
func formatFor(path, explicit string) (string, error) {
	if explicit != "" {
		if !reader.Supported(explicit) {
			return "", fmt.Errorf("unsupported format %q", explicit)
		}
		return explicit, nil
	}
	name := strings.ToLower(filepath.Base(path))
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".zst")
	switch filepath.Ext(name) {
	case ".csv":
		return event.FormatCSV, nil
	case ".tsv":
		return event.FormatTSV, nil
	case ".ndjson", ".jsonl", ".json":
		return event.FormatNDJSON, nil
	default:
		return "", fmt.Errorf("cannot tell the format of %s; pass --format", path)
	}
}

var intakeCmd = &cobra.Command{
	Use:   "intake PATTERN...",
	Short: "Register evidence files and queue them for processing",
	Example: `  casehawk intake --case 12 /evidence/host1/**/*.ndjson
  casehawk intake --case 12 --format evtx_json /evidence/security.json.gz`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, _ := cmd.Flags().GetInt64("case")
		if caseID <= 0 {
			return fmt.Errorf("--case is required")
		}
		explicit, _ := cmd.Flags().GetString("format")
		noQueue, _ := cmd.Flags().GetBool("no-queue")

		paths, err := discover(args)
		if err != nil {
			return err
		}
		formats := make([]string, len(paths))
		for i, p := range paths {
			if formats[i], err = formatFor(p, explicit); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		repo, cfg, logger, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		var queue *tasks.Queue
		if !noQueue {
			queue, err = tasks.Connect(cfg.NATS, "casehawk-cli", logger.Logger)
			if err != nil {
				return err
			}
			defer queue.Close()
		}

		bar := progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Registering files"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)

		registered := make([]*repository.FileRecord, 0, len(paths))
		for i, p := range paths {
			rec := &repository.FileRecord{CaseID: caseID, StoragePath: p, SourceFormat: formats[i]}
			if err := repo.CreateFile(ctx, rec); err != nil {
				_ = bar.Finish()
				return fmt.Errorf("register %s: %w", p, err)
			}
			if queue != nil {
				if err := queue.Submit(ctx, tasks.NewFileTask(rec.ID, repository.OpFull, operatorName())); err != nil {
					_ = bar.Finish()
					return fmt.Errorf("file %d registered but not queued: %w", rec.ID, err)
				}
			}
			registered = append(registered, rec)
			_ = bar.Add(1)
		}
		_ = bar.Finish()

		logger.Info("files registered", logging.CaseID(caseID), "files", len(registered), "queued", queue != nil)
		return render(registered, func() {
			fileTable(registered)
			if queue != nil {
				Success("registered and queued %d files for case %d", len(registered), caseID)
			} else {
				Success("registered %d files for case %d", len(registered), caseID)
			}
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show file processing state",
	Example: `  casehawk status --file 41
  casehawk status --case 12 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, caseID, err := target(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		repo, _, _, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		if fileID > 0 {
			rec, err := repo.GetFile(ctx, fileID)
			if err != nil {
				return err
			}
			return render(rec, func() { fileDetail(rec) })
		}
		files, err := repo.ListFiles(ctx, caseID)
		if err != nil {
			return err
		}
		return render(files, func() { fileTable(files) })
	},
}

func fileDetail(f *repository.FileRecord) {
	fileTable([]*repository.FileRecord{f})
	if f.TaskOwner != "" {
		Info("running %s on %s, last heartbeat %s", f.TaskOperation, f.TaskOwner, f.TaskHeartbeatAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	if f.CancelRequested {
		Warn("cancellation requested")
	}
	if f.ErrorDetail != "" {
		Error("%s", f.ErrorDetail)
	}
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of a file's or a case's running work",
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, caseID, err := target(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		repo, cfg, logger, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()
		g := guard.New(repo, "", cfg.Processing.StaleAfter, logger.Logger)

		if fileID > 0 {
			flagged, err := g.RequestCancel(ctx, fileID)
			if err != nil {
				return err
			}
			if !flagged {
				Warn("file %d is not running or queued; nothing to cancel", fileID)
				return nil
			}
			Success("cancellation requested for file %d", fileID)
			return nil
		}
		n, err := g.RequestCancelCase(ctx, caseID)
		if err != nil {
			return err
		}
		Success("cancellation requested for %d files of case %d", n, caseID)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release task claims whose worker stopped heartbeating",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, cfg, logger, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		n, err := guard.New(repo, "", cfg.Processing.StaleAfter, logger.Logger).Sweep(ctx)
		if err != nil {
			return err
		}
		Success("released %d stale claims", n)
		return nil
	},
}

// operatorName is recorded as the requester of CLI-submitted tasks.
func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func init() {
	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(sweepCmd)

	intakeCmd.Flags().Int64("case", 0, "case the files belong to")
	intakeCmd.Flags().String("format", "", "source format: evtx_json, ndjson, csv, tsv (default: by extension)")
	intakeCmd.Flags().Bool("no-queue", false, "register without queueing a full pass")

	addTargetFlags(statusCmd)
	addTargetFlags(cancelCmd)
}
