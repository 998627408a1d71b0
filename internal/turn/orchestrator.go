package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/embedding"
	"github.com/antoniostano/synapse/internal/generation"
	"github.com/antoniostano/synapse/internal/memory"
	"github.com/antoniostano/synapse/internal/observability"
	"github.com/antoniostano/synapse/internal/policy"
	"github.com/antoniostano/synapse/internal/protocol"
	"github.com/antoniostano/synapse/internal/session"
	"github.com/antoniostano/synapse/internal/transcript"
	"github.com/antoniostano/synapse/internal/users"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	previewMaxRunes     = 80
)

var errUndelivered = errors.New("turn response could not be delivered")

// Dependencies are the collaborators a turn talks to.
type Dependencies struct {
	Embedder   embedding.Embedder
	Generator  generation.Generator
	Transcript transcript.Store
	Memory     memory.Index
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Tracer     trace.TracerProvider
}

type Options struct {
	HistoryLimit    int
	MemoryTopK      int
	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
	StoreTimeout    time.Duration
	IndexQueueSize  int
	IndexWorkers    int
}

func DefaultOptions() Options {
	return Options{
		HistoryLimit:    10,
		MemoryTopK:      3,
		EmbedTimeout:    10 * time.Second,
		GenerateTimeout: 60 * time.Second,
		StoreTimeout:    5 * time.Second,
		IndexQueueSize:  256,
		IndexWorkers:    2,
	}
}

// Orchestrator runs the retrieval-augmented pipeline for every inbound
// message of a connection.
type Orchestrator struct {
	embedder   embedding.Embedder
	generator  generation.Generator
	transcript transcript.Store
	memory     memory.Index
	sessions   *session.Manager
	metrics    *observability.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	indexer    *Indexer
	opts       Options
}

func NewOrchestrator(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Embedder == nil:
		return nil, errors.New("turn: embedder is required")
	case deps.Generator == nil:
		return nil, errors.New("turn: generator is required")
	case deps.Transcript == nil:
		return nil, errors.New("turn: transcript store is required")
	case deps.Memory == nil:
		return nil, errors.New("turn: memory index is required")
	}

	def := DefaultOptions()
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.MemoryTopK <= 0 {
		opts.MemoryTopK = def.MemoryTopK
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = def.EmbedTimeout
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = def.GenerateTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics("synapse")
	}
	tp := deps.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Orchestrator{
		embedder:   deps.Embedder,
		generator:  deps.Generator,
		transcript: deps.Transcript,
		memory:     deps.Memory,
		sessions:   deps.Sessions,
		metrics:    metrics,
		logger:     logger,
		tracer:     tp.Tracer(observability.TracerName),
		indexer:    NewIndexer(deps.Memory, opts.IndexQueueSize, opts.IndexWorkers, opts.StoreTimeout, logger, metrics),
		opts:       opts,
	}, nil
}

// Indexer exposes the background output indexer, mainly for its failures.
func (o *Orchestrator) Indexer() *Indexer { return o.indexer }

// Close drains pending output indexing.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.indexer.Close(ctx)
}

// RunConnection starts one independent turn per inbound message and returns
// once inbound is closed (or ctx ends) and every started turn has finished.
func (o *Orchestrator) RunConnection(ctx context.Context, conn session.Connection, principal users.Principal, inbound <-chan protocol.SubmitTurn, outbound chan<- protocol.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if o.sessions != nil {
				_ = o.sessions.RecordTurn(conn.ID)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = o.HandleTurn(ctx, principal, msg, outbound)
			}()
		}
	}
}

// HandleTurn runs one turn. Every exit path ends with a terminal event:
// typing-stop followed by either turn-response or turn-error.
func (o *Orchestrator) HandleTurn(ctx context.Context, principal users.Principal, msg protocol.SubmitTurn, outbound chan<- protocol.Event) error {
	turnID := uuid.NewString()
	started := time.Now()
	logger := o.logger.With(
		zap.String("turn_id", turnID),
		zap.String("principal_id", principal.ID),
		zap.String("conversation_id", msg.ConversationID),
	)
	ctx, span := o.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("turn.id", turnID),
			attribute.String("principal.id", principal.ID),
			attribute.String("conversation.id", msg.ConversationID),
		),
	)
	defer span.End()

	o.send(ctx, outbound, protocol.TypingStatus{ConversationID: msg.ConversationID, Typing: true})
	logger.Debug("turn received", zap.String("content_preview", policy.Preview(msg.Content, previewMaxRunes)))

	reply, input, err := o.produceReply(ctx, logger, principal, msg)
	if err != nil {
		o.fail(ctx, span, logger, outbound, msg.ConversationID, err)
		return err
	}

	deliverStarted := time.Now()
	o.send(ctx, outbound, protocol.TypingStatus{ConversationID: msg.ConversationID, Typing: false})
	delivered := o.send(ctx, outbound, protocol.TurnResponse{ConversationID: msg.ConversationID, Content: reply})
	o.metrics.ObserveTurnStage(observability.StageTurnDelivery, time.Since(deliverStarted))
	if !delivered {
		o.metrics.Turns.WithLabelValues("undelivered").Inc()
		span.SetStatus(codes.Error, errUndelivered.Error())
		logger.Warn("turn response undelivered")
		return errUndelivered
	}

	o.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(started))
	o.metrics.Turns.WithLabelValues("ok").Inc()
	logger.Info("turn delivered",
		zap.Duration("elapsed", time.Since(started)),
		zap.String("input_message_id", input.ID),
		zap.Int("reply_chars", len(reply)),
	)

	o.persistReply(ctx, logger, turnID, principal, msg.ConversationID, reply)
	return nil
}

// produceReply covers the critical path up to a generated reply.
func (o *Orchestrator) produceReply(ctx context.Context, logger *zap.Logger, principal users.Principal, msg protocol.SubmitTurn) (string, transcript.Message, error) {
	var (
		input  transcript.Message
		vector []float32
	)

	stageStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		input, err = o.appendMessage(gctx, principal.ID, msg.ConversationID, transcript.RoleUser, msg.Content)
		return err
	})
	g.Go(func() error {
		var err error
		vector, err = o.embed(gctx, msg.Content)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", input, err
	}
	o.metrics.ObserveTurnStage(observability.StageInputFanout, time.Since(stageStart))

	stageStart = time.Now()
	if _, err := o.upsert(ctx, vector, input.ID, memory.Metadata{
		ConversationID: msg.ConversationID,
		PrincipalID:    principal.ID,
		Text:           msg.Content,
	}); err != nil {
		o.metrics.ObserveTurnIndicator("input_index_failed")
		logger.Warn("input memory indexing failed", zap.Error(err))
	}
	o.metrics.ObserveTurnStage(observability.StageMemoryIndex, time.Since(stageStart))

	var (
		memories []memory.Match
		history  []transcript.Message
	)
	stageStart = time.Now()
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		matches, err := o.query(gctx, vector, principal.ID, o.opts.MemoryTopK+1)
		if err != nil {
			return err
		}
		var dropped bool
		memories, dropped = dropSelfMatch(matches, input.ID, o.opts.MemoryTopK)
		if dropped {
			o.metrics.ObserveTurnIndicator("self_match_dropped")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		history, err = o.recentMessages(gctx, msg.ConversationID)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", input, err
	}
	o.metrics.ObserveTurnStage(observability.StageContextFanout, time.Since(stageStart))

	parts := AssembleContext(memories, history)
	logger.Debug("context assembled",
		zap.Int("memories", len(memories)),
		zap.Int("history", len(history)),
		zap.Int("parts", len(parts)),
	)

	stageStart = time.Now()
	reply, err := o.generate(ctx, parts)
	if err != nil {
		return "", input, err
	}
	o.metrics.ObserveTurnStage(observability.StageGeneration, time.Since(stageStart))
	return reply, input, nil
}

// persistReply runs after delivery. Its failures are logged and counted
// only; the client has already received the reply.
func (o *Orchestrator) persistReply(ctx context.Context, logger *zap.Logger, turnID string, principal users.Principal, conversationID, reply string) {
	ctx = context.WithoutCancel(ctx)
	stageStart := time.Now()

	var (
		output   transcript.Message
		vector   []float32
		storeErr error
		embedErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		output, storeErr = o.appendMessage(ctx, principal.ID, conversationID, transcript.RoleModel, reply)
		return nil
	})
	g.Go(func() error {
		vector, embedErr = o.embed(ctx, reply)
		return nil
	})
	_ = g.Wait()
	o.metrics.ObserveTurnStage(observability.StageOutputFanout, time.Since(stageStart))

	if storeErr != nil {
		logger.Warn("reply persistence failed", zap.Error(storeErr))
		return
	}
	if embedErr != nil {
		logger.Warn("reply embedding failed", zap.String("output_message_id", output.ID), zap.Error(embedErr))
		return
	}
	o.indexer.Enqueue(IndexJob{
		TurnID:    turnID,
		MessageID: output.ID,
		Vector:    vector,
		Metadata: memory.Metadata{
			ConversationID: conversationID,
			PrincipalID:    principal.ID,
			Text:           reply,
		},
	})
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, logger *zap.Logger, outbound chan<- protocol.Event, conversationID string, err error) {
	kind := apperr.KindOf(err)
	o.metrics.Turns.WithLabelValues(string(kind)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("turn cancelled", zap.Error(err))
		return
	}
	logger.Warn("turn failed",
		zap.String("kind", string(kind)),
		zap.Bool("retryable", apperr.IsRetryable(err)),
		zap.Error(err),
	)
	o.send(ctx, outbound, protocol.TypingStatus{ConversationID: conversationID, Typing: false})
	o.send(ctx, outbound, protocol.NewTurnError(conversationID, err))
}

func (o *Orchestrator) appendMessage(ctx context.Context, principalID, conversationID string, role transcript.Role, content string) (transcript.Message, error) {
	ctx, span := o.tracer.Start(ctx, "transcript.append", trace.WithAttributes(attribute.String("message.role", string(role))))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()

	msg, err := o.transcript.AppendMessage(ctx, conversationID, principalID, role, content)
	if err != nil {
		return msg, o.stepError(span, "transcript", "transcript.append", "could not save message", err, apperr.Storage)
	}
	return msg, nil
}

func (o *Orchestrator) recentMessages(ctx context.Context, conversationID string) ([]transcript.Message, error) {
	ctx, span := o.tracer.Start(ctx, "transcript.recent")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()

	history, err := o.transcript.RecentMessages(ctx, conversationID, o.opts.HistoryLimit)
	if err != nil {
		return nil, o.stepError(span, "transcript", "transcript.recent", "could not load conversation history", err, apperr.Storage)
	}
	if len(history) > o.opts.HistoryLimit {
		history = history[len(history)-o.opts.HistoryLimit:]
	}
	return history, nil
}

func (o *Orchestrator) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := o.tracer.Start(ctx, "embedding.embed")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.opts.EmbedTimeout)
	defer cancel()

	vector, err := o.embedder.Embed(ctx, text)
	if err != nil {
		return nil, o.stepError(span, "embedding", "embedding.embed", "embedding request failed", err, apperr.Service)
	}
	return vector, nil
}

func (o *Orchestrator) upsert(ctx context.Context, vector []float32, messageID string, md memory.Metadata) (string, error) {
	ctx, span := o.tracer.Start(ctx, "memory.upsert")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()

	id, err := o.memory.Upsert(ctx, vector, messageID, md)
	if err != nil {
		return "", o.stepError(span, "memory", "memory.upsert", "could not index message", err, apperr.Storage)
	}
	return id, nil
}

func (o *Orchestrator) query(ctx context.Context, vector []float32, principalID string, k int) ([]memory.Match, error) {
	ctx, span := o.tracer.Start(ctx, "memory.query", trace.WithAttributes(attribute.Int("memory.k", k)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()

	matches, err := o.memory.Query(ctx, vector, principalID, k)
	if err != nil {
		return nil, o.stepError(span, "memory", "memory.query", "could not search memory", err, apperr.Storage)
	}
	span.SetAttributes(attribute.Int("memory.matches", len(matches)))
	return matches, nil
}

func (o *Orchestrator) generate(ctx context.Context, parts []generation.Part) (string, error) {
	ctx, span := o.tracer.Start(ctx, "generation.generate", trace.WithAttributes(attribute.Int("generation.parts", len(parts))))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.opts.GenerateTimeout)
	defer cancel()

	reply, err := o.generator.Generate(ctx, parts)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = apperr.Service("generation.generate", "model returned an empty reply", nil)
	}
	if err != nil {
		return "", o.stepError(span, "generation", "generation.generate", "generation request failed", err, apperr.Service)
	}
	return reply, nil
}

// stepError classifies a collaborator failure. Errors that already carry a
// kind pass through; bare errors (timeouts included) get wrap's kind.
func (o *Orchestrator) stepError(span trace.Span, component, op, message string, err error, wrap func(op, message string, err error) *apperr.Error) error {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		err = wrap(op, message, err)
	}
	if !errors.Is(err, context.Canceled) {
		o.metrics.ServiceErrors.WithLabelValues(component, string(apperr.KindOf(err))).Inc()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	return err
}

// send delivers ev to the connection writer. Critical events wait up to
// criticalSendTimeout; the typing-started hint is dropped when the queue
// is full.
func (o *Orchestrator) send(ctx context.Context, outbound chan<- protocol.Event, ev protocol.Event) bool {
	msgType := string(ev.EventType())
	record := func(result string) {
		o.metrics.OutboundMessages.WithLabelValues(msgType, result).Inc()
	}

	if !protocol.IsCritical(ev) {
		select {
		case outbound <- ev:
			record("delivered")
			return true
		default:
			record("dropped")
			o.metrics.ConnectionEvents.WithLabelValues("outbound_drop").Inc()
			return false
		}
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- ev:
		record("delivered")
		return true
	case <-timer.C:
		record("timeout")
		o.metrics.ConnectionEvents.WithLabelValues("outbound_timeout_critical").Inc()
		return false
	case <-ctx.Done():
		record("cancelled")
		return false
	}
}
