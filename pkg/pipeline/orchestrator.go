package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kumarabd/gokit/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kumarabd/scrub-worker/internal/metrics"
	"github.com/kumarabd/scrub-worker/pkg/analysis"
	"github.com/kumarabd/scrub-worker/pkg/chatlog"
	"github.com/kumarabd/scrub-worker/pkg/controlplane"
	"github.com/kumarabd/scrub-worker/pkg/delivery"
	"github.com/kumarabd/scrub-worker/pkg/presidio"
)

// Config contains configuration for the file-processing orchestrator.
type Config struct {
	AcceptedExtensions []string `json:"accepted_extensions" yaml:"accepted_extensions" default:".json"`
}

// Orchestrator coordinates the processing of one detected file from
// validation through anonymization, delivery and cleanup. All state is
// explicit and injected; the only shared mutable state is the in-flight set
// that deduplicates overlapping detection events for the same path.
type Orchestrator struct {
	config   *Config
	log      *logger.Handler
	metric   *metrics.Handler
	tracer   trace.Tracer
	presidio *presidio.Client
	plane    *controlplane.Client
	engine   *delivery.Engine
	analysis *analysis.Client

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a new orchestrator.
func New(config *Config, log *logger.Handler, metric *metrics.Handler, pr *presidio.Client, plane *controlplane.Client, engine *delivery.Engine, an *analysis.Client) *Orchestrator {
	return &Orchestrator{
		config:   config,
		log:      log,
		metric:   metric,
		tracer:   otel.Tracer("scrub-worker/pipeline"),
		presidio: pr,
		plane:    plane,
		engine:   engine,
		analysis: an,
		inflight: make(map[string]struct{}),
	}
}

// InflightCount returns the number of files currently being processed.
func (o *Orchestrator) InflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// acquire marks path as in flight. Returns false if an orchestration for the
// same path is already running.
func (o *Orchestrator) acquire(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inflight[path]; exists {
		return false
	}
	o.inflight[path] = struct{}{}
	if o.metric != nil {
		o.metric.SetInflight(len(o.inflight))
	}
	return true
}

func (o *Orchestrator) release(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, path)
	if o.metric != nil {
		o.metric.SetInflight(len(o.inflight))
	}
}

// runState tracks one run through the pipeline.
type runState struct {
	id      string
	path    string
	started time.Time
	cfg     *controlplane.RuntimeConfig
}

// ProcessFile runs the full state machine for one detected file. Duplicate
// detection events for a path already in flight are ignored.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string) {
	if !o.acquire(path) {
		o.log.Debug().Str("file_hash", chatlog.FileHash(path)).Msg("file already in flight, ignoring event")
		return
	}
	defer o.release(path)

	ctx, span := o.tracer.Start(ctx, "pipeline.ProcessFile")
	defer span.End()

	cfg := o.plane.FetchRuntimeConfig(ctx)

	// Pre-run gate: wrong extension or oversized files are skipped silently,
	// with no run and no audit trail beyond a local log line.
	info, err := os.Stat(path)
	if err != nil {
		o.log.Debug().Err(err).Msg("stat failed for detected file, skipping")
		if o.metric != nil {
			o.metric.IncFilesSkipped("stat_error")
		}
		return
	}
	if !o.extensionAccepted(path) {
		o.log.Debug().Str("ext", filepath.Ext(path)).Msg("unaccepted extension, skipping")
		if o.metric != nil {
			o.metric.IncFilesSkipped("extension")
		}
		return
	}
	if info.Size() > cfg.MaxFileSizeBytes {
		o.log.Debug().Int64("byte_size", info.Size()).Int64("max", cfg.MaxFileSizeBytes).Msg("file exceeds size limit, skipping")
		if o.metric != nil {
			o.metric.IncFilesSkipped("oversize")
		}
		return
	}

	hash := chatlog.FileHash(path)
	span.SetAttributes(attribute.String("file.hash", hash))
	if o.metric != nil {
		o.metric.IncFilesDetected()
	}

	run := &runState{path: path, started: time.Now(), cfg: cfg}

	// A failed run creation degrades to processing without run mutations.
	runID, err := o.plane.CreateRun(ctx, controlplane.RunCreate{
		SourceType:     controlplane.SourceType,
		SourceFileName: hash,
		SourceFileSize: info.Size(),
		Status:         controlplane.StatusQueued,
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("run creation failed, continuing without run tracking")
	}
	run.id = runID

	o.plane.AppendAudit(run.id, controlplane.EventFileDetected, controlplane.LevelInfo,
		controlplane.AuditMeta{"byteSize": info.Size()})

	o.updateRun(ctx, run, controlplane.RunPatch{Status: controlplane.StatusProcessing})
	o.plane.AppendAudit(run.id, controlplane.EventAnonymizeStarted, controlplane.LevelInfo, nil)

	data, err := os.ReadFile(path)
	if err != nil {
		o.failRun(ctx, span, run, controlplane.ErrCodeRead, "failed to read source file", nil)
		return
	}

	log, err := chatlog.Parse(data)
	if err != nil {
		o.failRun(ctx, span, run, controlplane.ErrCodeInvalidSchema, "file is not a valid chat log", nil)
		return
	}

	result, stats, err := o.anonymize(ctx, log, cfg)
	if err != nil {
		o.failRun(ctx, span, run, controlplane.ErrCodePresidio, "entity detection service failed", nil)
		return
	}
	result.SourceFileHash = chatlog.HexHash(path)
	result.ByteSize = info.Size()

	entityCount := 0
	for _, n := range stats {
		entityCount += n
	}

	o.updateRun(ctx, run, controlplane.RunPatch{
		Status:        controlplane.StatusAnonymized,
		PresidioStats: stats,
	})
	o.plane.AppendAudit(run.id, controlplane.EventAnonymizeSucceeded, controlplane.LevelInfo,
		controlplane.AuditMeta{"entityCount": entityCount})

	o.forwardToAnalysis(ctx, cfg, result)
	o.deliver(ctx, span, run, result)
}

// extensionAccepted reports whether path carries an accepted extension.
func (o *Orchestrator) extensionAccepted(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, accepted := range o.config.AcceptedExtensions {
		if ext == strings.ToLower(accepted) {
			return true
		}
	}
	return false
}

// anonymize runs every message through analyze and, when findings exist,
// anonymize, preserving input order. Returns the result and the entity-type
// occurrence stats. Any client error aborts the whole run.
func (o *Orchestrator) anonymize(ctx context.Context, log *chatlog.ChatLog, cfg *controlplane.RuntimeConfig) (*chatlog.Result, map[string]int, error) {
	stats := make(map[string]int)
	messages := make([]chatlog.AnonymizedMessage, 0, len(log.Messages))

	language := cfg.AnalysisLanguageCode
	if language == "" {
		language = "en"
	}

	for _, m := range log.Messages {
		findings, err := o.presidio.Analyze(ctx, m.Content, language, nil, 0)
		if err != nil {
			return nil, nil, err
		}

		content := m.Content
		if len(findings) > 0 {
			content, err = o.presidio.Anonymize(ctx, m.Content, findings, cfg.AnonymizationOperator)
			if err != nil {
				return nil, nil, err
			}
			for _, f := range findings {
				stats[f.EntityType]++
				if o.metric != nil {
					o.metric.AddEntitiesFound(f.EntityType, 1)
				}
			}
		}

		messages = append(messages, chatlog.AnonymizedMessage{
			ID:            m.ID,
			Role:          m.Role,
			Content:       content,
			Timestamp:     m.Timestamp,
			EntitiesFound: len(findings),
		})
		if o.metric != nil {
			o.metric.IncMessagesAnonymized()
		}
	}

	return &chatlog.Result{
		ProcessedAt: time.Now().UTC(),
		Messages:    messages,
		Metadata:    log.Metadata,
	}, stats, nil
}

// forwardToAnalysis optionally sends the anonymized conversation to the
// sentiment/toxicity endpoints. Failures are logged and never block delivery.
func (o *Orchestrator) forwardToAnalysis(ctx context.Context, cfg *controlplane.RuntimeConfig, result *chatlog.Result) {
	if cfg.AnalysisURL == "" || cfg.AnalysisAPIKey == "" {
		return
	}
	if !cfg.AnalysisSentiment && !cfg.AnalysisToxicity {
		return
	}

	params := analysis.Params{
		URL:            cfg.AnalysisURL,
		APIKey:         cfg.AnalysisAPIKey,
		ConversationID: result.SourceFileHash,
		LanguageCode:   cfg.AnalysisLanguageCode,
		Model:          cfg.AnalysisModel,
		Channel:        cfg.AnalysisChannel,
		Tags:           cfg.AnalysisTags,
	}

	if cfg.AnalysisSentiment {
		if err := o.analysis.Send(ctx, analysis.KindSentiment, params, result.Messages); err != nil {
			o.log.Warn().Err(err).Msg("sentiment analysis forwarding failed")
		}
	}
	if cfg.AnalysisToxicity {
		if err := o.analysis.Send(ctx, analysis.KindToxicity, params, result.Messages); err != nil {
			o.log.Warn().Err(err).Msg("toxicity analysis forwarding failed")
		}
	}
}

// deliver sends the result to every enabled target in configured order. Each
// target is attempted exactly once per run even when an earlier one failed,
// so the run records full partial-success accounting; any failed target still
// marks the whole run failed.
func (o *Orchestrator) deliver(ctx context.Context, span trace.Span, run *runState, result *chatlog.Result) {
	o.plane.AppendAudit(run.id, controlplane.EventDeliveryStarted, controlplane.LevelInfo, nil)
	o.updateRun(ctx, run, controlplane.RunPatch{Status: controlplane.StatusDelivering})

	targets := o.plane.FetchTargets(ctx)
	if len(targets) == 0 && o.engine.HasLegacyTarget() {
		targets = []delivery.Target{o.engine.LegacyTarget()}
	}

	deliveryStart := time.Now()

	// No targets at all: the run still completes as delivered, with no
	// status code recorded.
	if len(targets) == 0 {
		o.completeDelivered(ctx, span, run, 0, 0, time.Since(deliveryStart))
		return
	}

	var (
		successCount int
		failureCount int
		lastStatus   int
		firstErr     *delivery.Error
	)

	for _, target := range targets {
		start := time.Now()
		status, err := o.engine.Deliver(ctx, target, result)
		elapsed := time.Since(start)

		if err != nil {
			failureCount++
			dErr, ok := err.(*delivery.Error)
			if !ok {
				dErr = &delivery.Error{Code: delivery.CodeGeneric, SafeMessage: "delivery failed"}
			}
			if firstErr == nil {
				firstErr = dErr
			}
			if o.metric != nil {
				o.metric.IncDeliveries("failed")
				o.metric.ObserveDeliveryLatency(elapsed, "failed")
			}
			o.plane.AppendAudit(run.id, controlplane.EventDeliveryFailed, controlplane.LevelError,
				controlplane.AuditMeta{"code": dErr.Code, "statusCode": dErr.Status})
			continue
		}

		successCount++
		lastStatus = status
		if o.metric != nil {
			o.metric.IncDeliveries("ok")
			o.metric.ObserveDeliveryLatency(elapsed, "ok")
		}
	}

	deliveryElapsed := time.Since(deliveryStart)
	targetCount := len(targets)

	if failureCount > 0 {
		patch := controlplane.RunPatch{
			DeliveryTargetCount:  &targetCount,
			DeliverySuccessCount: &successCount,
			DeliveryFailureCount: &failureCount,
		}
		o.updateRun(ctx, run, patch)
		o.failRun(ctx, span, run, controlplane.ErrCodeDelivery, firstErr.SafeMessage, firstErr)
		return
	}

	o.completeDelivered(ctx, span, run, targetCount, lastStatus, deliveryElapsed)
}

// completeDelivered marks the run delivered and performs optional cleanup.
func (o *Orchestrator) completeDelivered(ctx context.Context, span trace.Span, run *runState, targetCount, lastStatus int, deliveryElapsed time.Duration) {
	totalMs := time.Since(run.started).Milliseconds()
	deliveryMs := deliveryElapsed.Milliseconds()
	successCount := targetCount
	zero := 0

	patch := controlplane.RunPatch{
		Status:               controlplane.StatusDelivered,
		DeliveryTargetCount:  &targetCount,
		DeliverySuccessCount: &successCount,
		DeliveryFailureCount: &zero,
		DeliveryDurationMs:   &deliveryMs,
		DurationMs:           &totalMs,
	}
	if lastStatus != 0 {
		patch.DeliveryStatusCode = &lastStatus
	}
	o.updateRun(ctx, run, patch)

	o.plane.AppendAudit(run.id, controlplane.EventDeliverySucceeded, controlplane.LevelInfo,
		controlplane.AuditMeta{"statusCode": lastStatus, "targetCount": targetCount, "durationMs": deliveryMs})

	status := controlplane.StatusDelivered
	if run.cfg.DeleteAfterSuccess {
		if err := os.Remove(run.path); err != nil {
			o.log.Warn().Err(err).Msg("post-delivery cleanup failed")
		} else {
			status = controlplane.StatusDeleted
			o.updateRun(ctx, run, controlplane.RunPatch{Status: controlplane.StatusDeleted})
			o.plane.AppendAudit(run.id, controlplane.EventCleanupDeleted, controlplane.LevelInfo, nil)
		}
	}

	if o.metric != nil {
		o.metric.IncRuns(status)
		o.metric.ObservePipelineDuration(time.Since(run.started), status)
	}
	span.SetAttributes(attribute.String("run.status", status))
}

// failRun marks the run failed with a hardcoded safe message, records the
// audit trail and honors the delete-after-failure policy. The run status
// stays failed even when the source file is removed, so the error code
// remains observable.
func (o *Orchestrator) failRun(ctx context.Context, span trace.Span, run *runState, errCode, safeMessage string, dErr *delivery.Error) {
	totalMs := time.Since(run.started).Milliseconds()

	o.updateRun(ctx, run, controlplane.RunPatch{
		Status:           controlplane.StatusFailed,
		ErrorCode:        errCode,
		ErrorMessageSafe: safeMessage,
		DurationMs:       &totalMs,
	})

	meta := controlplane.AuditMeta{"errorCode": errCode}
	if dErr != nil {
		meta["deliveryCode"] = dErr.Code
	}
	o.plane.AppendAudit(run.id, controlplane.EventRunFailed, controlplane.LevelError, meta)

	if run.cfg.DeleteAfterFailure {
		if err := os.Remove(run.path); err != nil {
			o.log.Warn().Err(err).Msg("post-failure cleanup failed")
		} else {
			o.plane.AppendAudit(run.id, controlplane.EventCleanupDeleted, controlplane.LevelInfo, nil)
		}
	}

	if o.metric != nil {
		o.metric.IncRuns(controlplane.StatusFailed)
		o.metric.ObservePipelineDuration(time.Since(run.started), controlplane.StatusFailed)
	}
	span.SetStatus(codes.Error, errCode)
	span.SetAttributes(attribute.String("run.status", controlplane.StatusFailed))
}

// updateRun applies a run patch, tolerating a missing run id and logging
// update failures without aborting the pipeline.
func (o *Orchestrator) updateRun(ctx context.Context, run *runState, patch controlplane.RunPatch) {
	if run.id == "" {
		return
	}
	if err := o.plane.UpdateRun(ctx, run.id, patch); err != nil {
		o.log.Warn().Err(err).Str("status", patch.Status).Msg("run update failed")
	}
}
