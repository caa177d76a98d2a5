package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/storage"
	"github.com/jmylchreest/hlsforge/internal/transcode"
	"github.com/jmylchreest/hlsforge/internal/util"
)

// manifestName is the upload plan written next to the packaged files.
const manifestName = "upload-plan.json"

var transcodeCmd = &cobra.Command{
	Use:   "transcode <file>",
	Short: "Transcode and package a single video",
	Long: `Transcode a local video into an HLS ladder, address every output by
content and write the package plus its upload plan to an output directory.

The output directory defaults to <storage.base_dir>/<storage.output_dir>/<session id>.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscode,
}

func init() {
	rootCmd.AddCommand(transcodeCmd)

	transcodeCmd.Flags().StringP("out", "o", "", "Output directory")
	transcodeCmd.Flags().String("strategy", "", "Encode strategy: sequential or parallel (default from config)")
	transcodeCmd.Flags().String("speed", "", "x264 preset (default from config)")
	transcodeCmd.Flags().Bool("include-source", false, "Include the source video in the package")
	transcodeCmd.Flags().Bool("no-progress", false, "Disable the progress bar")
}

func runTranscode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.Default()
	flags := cmd.Flags()

	strategyName, _ := flags.GetString("strategy")
	if strategyName == "" {
		strategyName = cfg.Transcode.Strategy
	}
	strategy, err := transcode.ParseStrategy(strategyName)
	if err != nil {
		return err
	}
	opts := encodeOptions(cfg)
	if speed, _ := flags.GetString("speed"); speed != "" {
		opts.Speed = speed
	}
	includeSource, _ := flags.GetBool("include-source")
	noProgress, _ := flags.GetBool("no-progress")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	lock, err := lockWorkspace(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, orch, err := newPipeline(cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer eng.Terminate()

	bar := newProgressBar(cmd.ErrOrStderr(), !noProgress)
	session := transcode.NewSession(transcode.Request{
		Input:         artifact.File{Name: filepath.Base(args[0]), Data: data},
		Strategy:      strategy,
		Options:       opts,
		IncludeSource: includeSource,
	}, func(p transcode.Progress) {
		bar.Describe(describeProgress(p))
		_ = bar.Set(int(p.Percent))
	})

	complete, err := orch.Run(ctx, session)
	_ = bar.Finish()
	if err != nil {
		var failed *transcode.Failed
		if errors.As(err, &failed) {
			renderResolutions(cmd.OutOrStdout(), failed.Resolutions)
			return fmt.Errorf("%s (%s)", failed.Message, failed.Classification)
		}
		return err
	}

	outDir, _ := flags.GetString("out")
	if outDir == "" {
		outDir = filepath.Join(cfg.Storage.OutputPath(), complete.SessionID)
	}
	if err := writePackage(outDir, complete); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	renderResolutions(out, complete.Resolutions)
	renderFiles(out, transcode.UploadPlan(complete.Files))
	fmt.Fprintf(out, "\nMaster: %s\nWritten to %s\n", complete.MasterPlaylist.Address, outDir)
	return nil
}

// newProgressBar draws to w when it is a terminal and enabled is set;
// otherwise the bar is silent and progress goes to the log.
func newProgressBar(w io.Writer, enabled bool) *progressbar.ProgressBar {
	visible := enabled
	if f, ok := w.(*os.File); ok {
		visible = visible && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	} else {
		visible = false
	}
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
}

func describeProgress(p transcode.Progress) string {
	switch p.State {
	case transcode.StateLoading:
		return "loading ffmpeg"
	case transcode.StateTranscoding:
		if p.Total == 0 {
			return "probing"
		}
		return fmt.Sprintf("encoding %d/%d", p.Completed, p.Total)
	default:
		return string(p.State)
	}
}

// writePackage writes every packaged file and the upload plan manifest to dir.
func writePackage(dir string, complete *transcode.Complete) error {
	out, err := storage.NewSandbox(dir)
	if err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	plan := transcode.UploadPlan(complete.Files)
	for _, f := range plan {
		if err := out.AtomicWrite(f.Name, f.Data); err != nil {
			return fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}

	manifest, err := json.MarshalIndent(struct {
		SessionID string                 `json:"session_id"`
		Master    string                 `json:"master"`
		Files     []artifact.WrappedFile `json:"files"`
	}{complete.SessionID, complete.MasterPlaylist.Address, plan}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding upload plan: %w", err)
	}
	if err := out.AtomicWrite(manifestName, manifest); err != nil {
		return fmt.Errorf("writing upload plan: %w", err)
	}
	return nil
}

func renderResolutions(w io.Writer, records []transcode.ResolutionProgress) {
	if len(records) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Resolution", "Status", "Progress", "Message"})
	for _, r := range records {
		t.AppendRow(table.Row{fmt.Sprintf("%dp", r.Height), r.Status, util.Percent(r.Progress), r.Message})
	}
	t.Render()
}

func renderFiles(w io.Writer, files []artifact.WrappedFile) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "File", "Role", "Size", "Codecs", "Address"})

	var total int64
	for i, f := range files {
		total += f.Size()
		t.AppendRow(table.Row{i + 1, f.Name, f.Role, util.Bytes(f.Size()), strings.Join(f.Codecs, ","), f.Address})
	}
	t.AppendFooter(table.Row{"", util.Number(int64(len(files))) + " files", "", util.Bytes(total), "", ""})
	t.Render()
}
