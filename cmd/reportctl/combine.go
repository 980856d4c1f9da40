package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application"
	"github.com/bryanwahyu/vulnreport/internal/application/assembler"
	"github.com/bryanwahyu/vulnreport/internal/application/generation"
)

type combineOptions struct {
	target     string
	summary    bool
	statistics bool
	output     string
	export     string
}

func newCombineCmd(a *app) *cobra.Command {
	var opts combineOptions
	cmd := &cobra.Command{
		Use:   "combine <files...>",
		Short: "Merge finding documents into one report",
		Long: `Merges Markdown finding documents in the order given, optionally asking the
model for an Executive Summary and severity statistics. A failed summary or
statistics step still produces the merged report and is listed in its front-matter.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCombine(cmd.Context(), a, args, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "name of the assessed target (default: first file name)")
	cmd.Flags().BoolVar(&opts.summary, "summary", false, "generate an Executive Summary")
	cmd.Flags().BoolVar(&opts.statistics, "stats", false, "generate severity statistics")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the report to this file instead of stdout")
	cmd.Flags().StringVar(&opts.export, "export", "", "also upload the report to object storage under this key")
	return cmd
}

func runCombine(ctx context.Context, a *app, files []string, opts combineOptions, stdout io.Writer) error {
	docs := make([]string, 0, len(files))
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, string(b))
	}
	target := opts.target
	if target == "" {
		target = strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0]))
	}

	orch := generation.New(a.backends.Model(a.cfg), a.cfg.Generation, a.logger)
	asm := assembler.New(orch, application.SystemClock{}, a.logger)
	combined, err := asm.Combine(ctx, target, docs, assembler.Options{Summary: opts.summary, Statistics: opts.statistics})
	if err != nil {
		return err
	}
	for _, w := range combined.Warnings {
		a.logger.Warn("report is partial", zap.String("operation", w.Operation), zap.String("reason", w.Message))
	}

	out, err := assembler.Render(combined)
	if err != nil {
		return err
	}

	if opts.export != "" {
		store, err := a.backends.Artifacts(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		url, err := store.PutDocument(ctx, opts.export, []byte(out), "text/markdown; charset=utf-8")
		if err != nil {
			return err
		}
		a.logger.Info("report exported", zap.String("url", url))
	}

	if opts.output == "" {
		_, err = io.WriteString(stdout, out)
		return err
	}
	if err := os.WriteFile(opts.output, []byte(out), 0o644); err != nil {
		return err
	}
	a.logger.Info("report written", zap.String("path", opts.output), zap.Int("documents", len(docs)))
	return nil
}
