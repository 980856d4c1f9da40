package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
)

func newOCRCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "ocr <image>",
		Short: "Print the text found in a screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				a.cfg.OCR.Mode = mode
			}
			// asking for OCR explicitly overrides a disabled config
			a.cfg.OCR.Enabled = true
			return runOCR(cmd.Context(), a, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "service or vision (default from config)")
	return cmd
}

func runOCR(ctx context.Context, a *app, path string, stdout io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	codec := imagecodec.New(a.cfg.Images.MaxBytes)
	part, err := codec.ToModelPayload(raw, "")
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	client, err := a.backends.OCR(a.cfg)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("ocr is not configured")
	}
	text, err := client.ExtractText(ctx, part)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, text)
	return err
}
