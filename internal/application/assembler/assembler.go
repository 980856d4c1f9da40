package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/vulnreport/internal/application"
	"github.com/bryanwahyu/vulnreport/internal/application/generation"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/prompt"
	"github.com/bryanwahyu/vulnreport/internal/infra/markdown"
)

const (
	OpSummary    = "summary"
	OpStatistics = "statistics"
)

// Starter opens a generation stream.
type Starter interface {
	Start(ctx context.Context, key string, req ai.GenerationRequest) (*generation.Stream, error)
}

// Options selects the synthesis steps run after the merge.
type Options struct {
	Summary    bool
	Statistics bool
}

// Assembler merges generated documents and regenerates the derived sections.
type Assembler struct {
	gen    Starter
	clock  application.Clock
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(gen Starter, clock application.Clock, logger *zap.Logger) *Assembler {
	if clock == nil {
		clock = application.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		gen:    gen,
		clock:  clock,
		logger: logger.Named("assembler"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (a *Assembler) lock(target string) func() {
	a.mu.Lock()
	l, ok := a.locks[target]
	if !ok {
		l = &sync.Mutex{}
		a.locks[target] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Merge joins documents in the given order, separated by a blank line.
func Merge(docs []string) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if d = strings.Trim(d, "\n"); d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Combine merges docs and runs the requested synthesis steps concurrently.
// Combines over the same target are serialised. A failed step leaves the merged
// body intact and is reported as a warning; only a cancelled ctx fails Combine.
func (a *Assembler) Combine(ctx context.Context, target string, docs []string, opts Options) (*report.CombinedReport, error) {
	if len(docs) == 0 {
		return nil, errors.New("combine: no documents")
	}
	unlock := a.lock(target)
	defer unlock()

	out := &report.CombinedReport{
		Target:          target,
		SourceDocuments: append([]string(nil), docs...),
		MergedBody:      Merge(docs),
	}
	body := markdown.StripInlineImages(out.MergedBody)

	var (
		g          errgroup.Group
		summary    string
		stats      report.Statistics
		summaryErr error
		statsErr   error
	)
	if opts.Summary {
		g.Go(func() error {
			summary, summaryErr = a.summarize(ctx, "combine:"+target+":"+OpSummary, body)
			return nil
		})
	}
	if opts.Statistics {
		g.Go(func() error {
			stats, statsErr = a.statistics(ctx, "combine:"+target+":"+OpStatistics, body)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Summary {
		if summaryErr != nil {
			out.Warnings = append(out.Warnings, a.warn(target, OpSummary, summaryErr))
		} else {
			out.ExecutiveSummary, out.HasSummary = summary, true
		}
	}
	if opts.Statistics {
		if statsErr != nil {
			out.Warnings = append(out.Warnings, a.warn(target, OpStatistics, statsErr))
		} else {
			out.Statistics, out.HasStatistics = stats, true
		}
	}
	out.GeneratedAt = a.clock.Now()

	a.logger.Info("combined report",
		zap.String("target", target),
		zap.Int("documents", len(docs)),
		zap.Bool("summary", out.HasSummary),
		zap.Bool("statistics", out.HasStatistics),
		zap.Int("warnings", len(out.Warnings)))
	return out, nil
}

func (a *Assembler) warn(target, op string, err error) report.OperationWarning {
	a.logger.Warn("combine step failed",
		zap.String("target", target),
		zap.String("operation", op),
		zap.Error(err))
	return report.OperationWarning{
		Operation: op,
		Message:   err.Error(),
		Err:       fmt.Errorf("%s: %w: %w", op, ai.ErrPartialCombine, err),
	}
}

// Summarize writes an executive summary of body.
func (a *Assembler) Summarize(ctx context.Context, body string) (string, error) {
	return a.summarize(ctx, "summary:"+uuid.NewString(), markdown.StripInlineImages(body))
}

// ComputeStatistics counts findings per severity in body.
func (a *Assembler) ComputeStatistics(ctx context.Context, body string) (report.Statistics, error) {
	return a.statistics(ctx, "statistics:"+uuid.NewString(), markdown.StripInlineImages(body))
}

func (a *Assembler) summarize(ctx context.Context, key, body string) (string, error) {
	system, user := prompt.Summary(body)
	text, err := a.ask(ctx, key, system, user)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("model returned an empty summary")
	}
	return text, nil
}

func (a *Assembler) statistics(ctx context.Context, key, body string) (report.Statistics, error) {
	system, user := prompt.Statistics(body)
	text, err := a.ask(ctx, key, system, user)
	if err != nil {
		return nil, err
	}
	return prompt.ParseStatistics(text)
}

func (a *Assembler) ask(ctx context.Context, key, system, user string) (string, error) {
	stream, err := a.gen.Start(ctx, key, ai.GenerationRequest{System: system, Prompt: user})
	if err != nil {
		return "", err
	}
	r := generation.Collect(stream)
	switch r.State {
	case generation.StateCompleted:
		return r.Text, nil
	case generation.StateCancelled:
		return "", ai.ErrCancelled
	}
	return "", r.Err
}
