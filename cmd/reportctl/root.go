package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/ocr"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/openai"
	"github.com/bryanwahyu/vulnreport/internal/infra/storage"
	"github.com/bryanwahyu/vulnreport/internal/observability"
)

// backends builds the remote clients a command needs. Tests swap in stubs.
type backends interface {
	Model(cfg *config.Config) ai.Model
	OCR(cfg *config.Config) (ai.OCR, error)
	Artifacts(ctx context.Context, cfg *config.Config) (report.ArtifactStore, error)
}

type liveBackends struct{}

func (liveBackends) Model(cfg *config.Config) ai.Model { return openai.NewClient(cfg.Model) }

func (liveBackends) OCR(cfg *config.Config) (ai.OCR, error) {
	return ocr.FromConfig(cfg.OCR, cfg.Model)
}

func (liveBackends) Artifacts(ctx context.Context, cfg *config.Config) (report.ArtifactStore, error) {
	return storage.New(ctx, cfg.Minio)
}

// app is shared by all subcommands once the root pre-run has loaded config.
type app struct {
	cfgFile  string
	cfg      *config.Config
	logger   *zap.Logger
	backends backends
}

func newRootCmd(b backends) *cobra.Command {
	a := &app{backends: b}

	root := &cobra.Command{
		Use:           "reportctl",
		Short:         "Draft, OCR and combine pentest findings from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfgFile
			if path == "" {
				path = os.Getenv("CONFIG_PATH")
			}
			if path == "" {
				path = "config.yaml"
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			a.cfg = cfg

			// stdout carries the report, logs go to stderr
			logCfg := cfg.Logger
			logCfg.Format = "console"
			observability.Initialize(logCfg, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
			a.logger = observability.GetLogger()
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default $CONFIG_PATH or ./config.yaml)")

	root.AddCommand(newCombineCmd(a), newOCRCmd(a), newGenerateCmd(a))
	return root
}
