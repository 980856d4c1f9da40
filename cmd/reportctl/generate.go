package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application"
	"github.com/bryanwahyu/vulnreport/internal/application/findings"
	"github.com/bryanwahyu/vulnreport/internal/application/generation"
	"github.com/bryanwahyu/vulnreport/internal/application/reports"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
)

type generateOptions struct {
	title     string
	notesFile string
	images    []string
	kind      string
	ocr       bool
	output    string
}

func newGenerateCmd(a *app) *cobra.Command {
	var opts generateOptions
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft one finding from notes and screenshots, streaming to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.title, "title", "", "finding title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&opts.notesFile, "notes-file", "", "file with the pentester's notes")
	cmd.Flags().StringArrayVar(&opts.images, "image", nil, "screenshot file, repeat in display order")
	cmd.Flags().StringVar(&opts.kind, "kind", string(report.KindReport), "report or killchain")
	cmd.Flags().BoolVar(&opts.ocr, "ocr", false, "run OCR on the screenshots first")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "also write the final document with images inlined")
	return cmd
}

func runGenerate(ctx context.Context, a *app, opts generateOptions, stdout io.Writer) error {
	notes := ""
	if opts.notesFile != "" {
		b, err := os.ReadFile(opts.notesFile)
		if err != nil {
			return err
		}
		notes = string(b)
	}

	ocrBackend, err := a.backends.OCR(a.cfg)
	if err != nil {
		return err
	}
	if opts.ocr && ocrBackend == nil {
		a.logger.Warn("--ocr given but ocr is disabled in config")
	}

	clock := application.SystemClock{}
	codec := imagecodec.New(a.cfg.Images.MaxBytes)
	orch := generation.New(a.backends.Model(a.cfg), a.cfg.Generation, a.logger)
	svc := findings.NewService(orch, ocrBackend, codec, clock, a.logger)

	f := svc.Create(opts.title, notes)
	for _, path := range opts.images {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := svc.AddScreenshot(f.ID, filepath.Base(path), raw, ""); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	start := time.Now()
	s, err := svc.Generate(ctx, f.ID, report.Kind(opts.kind), opts.ocr)
	if err != nil {
		return err
	}
	for frag := range s.Fragments() {
		if _, err := io.WriteString(stdout, frag); err != nil {
			s.Cancel()
			return err
		}
	}
	res := s.Wait()
	switch res.State {
	case generation.StateErrored:
		fmt.Fprintln(stdout, "\n[ERROR] "+res.Err.Error())
		return res.Err
	case generation.StateCancelled:
		return context.Canceled
	}
	fmt.Fprintln(stdout)
	a.logger.Info("draft complete", zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(res.Text)))

	if opts.output == "" {
		return nil
	}
	if err := svc.WaitSettled(ctx, f.ID); err != nil {
		return err
	}
	done, err := svc.Get(f.ID)
	if err != nil {
		return err
	}
	rec, err := reports.NewMapper(codec).ToRecord(done, "cli", clock.Now())
	if err != nil {
		return err
	}
	return os.WriteFile(opts.output, []byte(rec.Markdown), 0o644)
}
