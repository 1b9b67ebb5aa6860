// Package worker consumes Jobs, runs each through validation, target
// sanitization, scope matching, rendering and sandboxed execution, and reports
// exactly one Result per job.
package worker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"forgescan/tool-runner/internal/command"
	"forgescan/tool-runner/internal/manifest"
	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/observability"
	"forgescan/tool-runner/internal/sandbox"
	"forgescan/tool-runner/internal/scanners"
	"forgescan/tool-runner/internal/security"
)

// Executor runs a rendered command. *sandbox.Engine implements it.
type Executor interface {
	Run(ctx context.Context, req sandbox.Request) *model.Result
}

// Pipeline is the per-job processing path. It holds no per-job state and is
// safe for concurrent use.
type Pipeline struct {
	manifests manifest.Provider
	executor  Executor
	bounds    security.Bounds
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func NewPipeline(manifests manifest.Provider, executor Executor, bounds security.Bounds, logger zerolog.Logger, metrics *observability.Metrics, tracer trace.Tracer) *Pipeline {
	return &Pipeline{
		manifests: manifests,
		executor:  executor,
		bounds:    bounds,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Process always returns a Result, including when a step panics.
func (p *Pipeline) Process(ctx context.Context, job *model.Job) (res *model.Result) {
	ctx, span := p.tracer.Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("run_id", job.RunID),
		attribute.String("tool", job.ToolName),
	))
	log := p.logger.With().Str("run_id", job.RunID).Str("tool", job.ToolName).Logger()
	tool := observability.UnknownTool

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("job pipeline panicked")
			res = model.FailedResult(job.RunID, job.ToolName, "internal error")
		}
		span.SetAttributes(attribute.String("status", string(res.Status)))
		if res.Status != model.StatusCompleted {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
		p.metrics.JobFinished(tool, res)
	}()

	if err := security.ValidateJob(job); err != nil {
		return p.reject(log, job, observability.StageValidation, "validation failed: "+err.Error(), err)
	}

	m, err := p.manifests.Get(job.ToolName)
	if err != nil {
		if errors.Is(err, manifest.ErrUnknownTool) {
			return p.reject(log, job, observability.StageManifest, "unknown tool: "+job.ToolName, err)
		}
		return p.reject(log, job, observability.StageManifest, "manifest unavailable", err)
	}
	tool = m.Name

	// 1. params
	args, err := manifest.ValidateParams(m, job.Params)
	if err != nil {
		return p.reject(log, job, observability.StageValidation, "validation failed: "+err.Error(), err)
	}

	// 2. target
	verdict := security.Sanitize(job.Target)
	if !verdict.Valid {
		return p.reject(log, job, observability.StageTarget, security.ErrTargetRejected.Error(), errors.New(verdict.Reason))
	}

	// 3. scope
	scope := security.IsInScope(verdict.Normalized, job.ScopeCIDRs, job.ScopeHosts)
	if !scope.Valid {
		return p.reject(log, job, observability.StageScope, security.ReasonOutOfScope, security.ErrOutOfScope)
	}

	// 4. render
	args[manifest.TargetArg] = verdict.Normalized
	argv := command.Render(m.CommandTemplate, args)
	limits := security.ClampLimits(job, m.Resources, p.bounds)

	log.Debug().Strs("argv", argv).Dur("timeout", limits.Timeout).Msg("executing")

	// 5. execute
	res = p.execute(ctx, sandbox.Request{
		RunID:    job.RunID,
		ToolName: job.ToolName,
		Argv:     argv,
		Manifest: m,
		Limits:   limits,
	})

	if res.Status == model.StatusCompleted && m.OutputParser != "" {
		p.parseFindings(log, m, res)
	}
	return res
}

func (p *Pipeline) execute(ctx context.Context, req sandbox.Request) *model.Result {
	p.metrics.JobStarted()
	defer p.metrics.JobDone()
	return p.executor.Run(ctx, req)
}

// reject logs the detailed cause at debug level only; the Result carries msg.
func (p *Pipeline) reject(log zerolog.Logger, job *model.Job, stage, msg string, cause error) *model.Result {
	p.metrics.Rejected(stage)
	log.Debug().Err(cause).Str("stage", stage).Msg("job rejected")
	return model.FailedResult(job.RunID, job.ToolName, msg)
}

func (p *Pipeline) parseFindings(log zerolog.Logger, m *model.ToolManifest, res *model.Result) {
	parser, ok := scanners.Get(m.OutputParser)
	if !ok {
		return
	}
	findings, err := parser.Parse(res.Stdout)
	if err != nil {
		log.Warn().Err(err).Str("parser", m.OutputParser).Msg("output parsing failed")
		return
	}
	for i := range findings {
		if findings[i].Tool == "" {
			findings[i].Tool = m.Name
		}
	}
	res.Findings = findings
	log.Info().Str("parser", m.OutputParser).Int("findings", len(findings)).Msg("output parsed")
}
