package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/audio"
	"github.com/ent0n29/voxnote/internal/observability"
	"github.com/ent0n29/voxnote/internal/policy"
	"github.com/ent0n29/voxnote/internal/protocol"
	"github.com/ent0n29/voxnote/internal/session"
	"github.com/ent0n29/voxnote/internal/storage"
)

const (
	defaultPartialWindow = 5
	defaultSendTimeout   = 30 * time.Second
	logTranscriptRunes   = 80
)

// Options tune the streaming pipeline.
type Options struct {
	// PartialWindowChunks is both the minimum buffered chunk count before
	// partial transcription starts and the size of the recent window sent
	// to the provider.
	PartialWindowChunks int
	// PartialEveryChunks is the stride between partial runs once the window
	// is full.
	PartialEveryChunks int
	DefaultSampleRate  int
	Limits             session.Limits
	// SendTimeout bounds how long a critical outbound message may wait for
	// the writer.
	SendTimeout time.Duration
}

// Orchestrator drives streaming sessions from start to finalization. One
// Orchestrator serves every connection; per-connection state lives inside
// RunConnection.
type Orchestrator struct {
	providers   *Registry
	gateway     storage.Gateway
	connections *session.Manager
	metrics     *observability.Metrics
	opts        Options
	now         func() time.Time
}

func NewOrchestrator(
	providers *Registry,
	gateway storage.Gateway,
	connections *session.Manager,
	metrics *observability.Metrics,
	opts Options,
) *Orchestrator {
	if opts.PartialWindowChunks <= 0 {
		opts.PartialWindowChunks = defaultPartialWindow
	}
	if opts.PartialEveryChunks <= 0 {
		opts.PartialEveryChunks = 1
	}
	if opts.DefaultSampleRate <= 0 {
		opts.DefaultSampleRate = audio.DefaultSampleRate
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if connections == nil {
		connections = session.NewManager()
	}
	return &Orchestrator{
		providers:   providers,
		gateway:     gateway,
		connections: connections,
		metrics:     metrics,
		opts:        opts,
		now:         time.Now,
	}
}

// finalOutcome is handed from a finalization worker back to the dispatch loop.
type finalOutcome struct {
	sessionID string
	reply     any
	err       error
}

// conn is the dispatch-loop state of one connection. Only the loop goroutine
// touches it.
type conn struct {
	id       string
	store    *session.Store
	outbound chan<- any
	results  chan finalOutcome
	workers  sync.WaitGroup
}

// RunConnection handles one client connection. Inbound values are parsed
// protocol messages or errors from the reader; replies go to outbound. It
// returns when ctx is done or inbound is closed, after waiting for
// finalizations already writing to storage and discarding every other open
// session without persisting it.
func (o *Orchestrator) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:       o.connections.Open(),
		store:    session.NewStore(o.opts.Limits),
		outbound: outbound,
		results:  make(chan finalOutcome),
	}
	if o.metrics != nil {
		o.metrics.ActiveConnections.Inc()
	}

	defer func() {
		cancel()
		// Workers still transcribing observe the cancelled ctx; those already
		// persisting run to completion. Persisted sessions settle here with no
		// reply, failed ones are discarded with the rest.
		go func() {
			c.workers.Wait()
			close(c.results)
		}()
		for res := range c.results {
			if res.err == nil {
				o.settle(c, res)
			}
		}
		if ids := c.store.DiscardAll(); len(ids) > 0 {
			log.Printf("voice: conn=%s discarded %d open session(s) on disconnect", c.id, len(ids))
			o.sessionEvent("discarded", len(ids))
		}
		o.connections.Close(c.id)
		if o.metrics != nil {
			o.metrics.ActiveConnections.Dec()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-c.results:
			o.guard(ctx, c, func() { o.applyOutcome(ctx, c, res) })
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			o.guard(ctx, c, func() { o.dispatch(ctx, c, msg) })
		}
		o.connections.SetActive(c.id, c.store.Len())
	}
}

// guard runs fn, converting a panic into a generic error reply so the
// connection survives.
func (o *Orchestrator) guard(ctx context.Context, c *conn, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("voice: conn=%s panic recovered: %v\n%s", c.id, r, debug.Stack())
			o.sessionEvent("panic", 1)
			o.send(ctx, c.outbound, protocol.NewErrorMessage(apperr.New(apperr.KindGeneral, fmt.Sprint(r))))
		}
	}()
	fn()
}

func (o *Orchestrator) dispatch(ctx context.Context, c *conn, msg any) {
	switch m := msg.(type) {
	case protocol.StartStreaming:
		o.handleStart(ctx, c, m)
	case protocol.VoiceData:
		o.handleVoiceData(ctx, c, m)
	case protocol.EndStreaming:
		o.handleEnd(ctx, c, m)
	case error:
		o.send(ctx, c.outbound, protocol.NewErrorMessage(m))
	default:
		o.send(ctx, c.outbound, protocol.NewErrorMessage(
			apperr.Newf(apperr.KindValidation, "unexpected inbound %T", msg).WithUserMessage("Unsupported message type.")))
	}
}

func (o *Orchestrator) handleStart(ctx context.Context, c *conn, m protocol.StartStreaming) {
	provider, err := o.providers.Resolve(m.Provider)
	if err != nil {
		o.send(ctx, c.outbound, protocol.NewStreamingError("", err))
		return
	}
	rate := m.SampleRate
	if rate <= 0 {
		rate = o.opts.DefaultSampleRate
	}
	s, err := c.store.Create(provider.Name(), rate)
	if err != nil {
		o.send(ctx, c.outbound, protocol.NewStreamingError("", err))
		return
	}
	log.Printf("voice: conn=%s session=%s started provider=%s rate=%d", c.id, s.ID, s.Provider, s.SampleRate)
	o.sessionEvent("started", 1)
	o.send(ctx, c.outbound, protocol.StreamingStarted{
		Type:      protocol.TypeStreamingStarted,
		SessionID: s.ID,
		Provider:  s.Provider,
	})
}

func (o *Orchestrator) handleVoiceData(ctx context.Context, c *conn, m protocol.VoiceData) {
	s, err := c.store.Get(m.SessionID)
	if err != nil {
		// Stale or already finalized session.
		return
	}
	if s.State != session.StateCreated && s.State != session.StateStreaming {
		return
	}
	chunk, err := audio.DecodeChunk(m.Audio)
	if err != nil {
		o.send(ctx, c.outbound, protocol.NewStreamingError(s.ID, err))
		return
	}
	if _, err := c.store.Append(s.ID, chunk); err != nil {
		o.send(ctx, c.outbound, protocol.NewStreamingError(s.ID, err))
		return
	}
	if o.partialDue(len(s.AudioChunks)) {
		o.runPartial(ctx, c, s)
	}
}

// partialDue reports whether a partial pass should run after the n-th chunk.
func (o *Orchestrator) partialDue(n int) bool {
	w := o.opts.PartialWindowChunks
	if n < w {
		return false
	}
	return (n-w)%o.opts.PartialEveryChunks == 0
}

// runPartial transcribes only the recent window. Failures are logged and
// counted; they never end the session.
func (o *Orchestrator) runPartial(ctx context.Context, c *conn, s *session.Session) {
	provider, err := o.providers.Resolve(s.Provider)
	if err != nil {
		return
	}
	window := s.RecentAudio(o.opts.PartialWindowChunks)
	started := o.now()
	text, err := provider.TranscribePartial(ctx, window, s.SampleRate)
	o.observeStage(observability.StagePartialTranscribe, o.now().Sub(started))
	if err != nil {
		o.providerError(provider.Name(), observability.StagePartialTranscribe, err)
		o.sessionEvent("partial_failed", 1)
		log.Printf("voice: session=%s partial transcription failed: %v", s.ID, err)
		return
	}
	if text == "" {
		return
	}
	s.Transcript = text
	o.sessionEvent("partial", 1)
	o.send(ctx, c.outbound, protocol.TranscriptionChunk{
		Type:          protocol.TypeTranscriptionChunk,
		SessionID:     s.ID,
		Transcription: text,
		IsFinal:       false,
	})
}

func (o *Orchestrator) handleEnd(ctx context.Context, c *conn, m protocol.EndStreaming) {
	s, action, err := c.store.Advance(m.SessionID, session.EventEndStreaming)
	if err != nil || action != session.ActionFinalize {
		// Unknown id or a repeated end_streaming.
		return
	}

	job := finalizeJob{
		sessionID:  s.ID,
		provider:   s.Provider,
		sampleRate: s.SampleRate,
		chunkCount: len(s.AudioChunks),
		pcm:        s.FullAudio(),
		startedAt:  s.StartedAt,
	}
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.results <- o.finalizeSafely(ctx, job)
	}()
}

func (o *Orchestrator) applyOutcome(ctx context.Context, c *conn, res finalOutcome) {
	if !o.settle(c, res) {
		return
	}
	if res.err != nil {
		o.send(ctx, c.outbound, protocol.NewStreamingError(res.sessionID, res.err))
		return
	}
	o.send(ctx, c.outbound, res.reply)
}

// settle closes the session a finalization worker reported on and reports
// whether the outcome still belongs to a live session.
func (o *Orchestrator) settle(c *conn, res finalOutcome) bool {
	ev := session.EventFinalized
	if res.err != nil {
		ev = session.EventFailed
	}
	_, action, err := c.store.Advance(res.sessionID, ev)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return false
		}
		log.Printf("voice: session=%s finalize transition: %v", res.sessionID, err)
	}

	switch action {
	case session.ActionPersist:
		o.sessionEvent("finalized", 1)
	case session.ActionRemove:
		o.sessionEvent("finalize_failed", 1)
	default:
		if err == nil {
			// Already closed; the outcome is stale.
			return false
		}
		o.sessionEvent("finalize_failed", 1)
	}
	_, _ = c.store.Remove(res.sessionID)
	return true
}

type finalizeJob struct {
	sessionID  string
	provider   string
	sampleRate int
	chunkCount int
	pcm        []byte
	startedAt  time.Time
}

func (o *Orchestrator) finalizeSafely(ctx context.Context, job finalizeJob) (out finalOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("voice: session=%s finalize panic: %v\n%s", job.sessionID, r, debug.Stack())
			o.sessionEvent("panic", 1)
			out = finalOutcome{sessionID: job.sessionID, err: apperr.New(apperr.KindGeneral, fmt.Sprint(r))}
		}
	}()
	reply, err := o.finalize(ctx, job)
	return finalOutcome{sessionID: job.sessionID, reply: reply, err: err}
}

// finalize transcribes the full audio, extracts entities and persists the
// conversation followed by each entity.
func (o *Orchestrator) finalize(ctx context.Context, job finalizeJob) (protocol.EntitiesExtracted, error) {
	started := o.now()
	defer func() { o.observeStage(observability.StageFinalizeTotal, o.now().Sub(started)) }()

	provider, err := o.providers.Resolve(job.provider)
	if err != nil {
		return protocol.EntitiesExtracted{}, err
	}

	t0 := o.now()
	transcript, err := provider.Transcribe(ctx, job.pcm, job.sampleRate)
	o.observeStage(observability.StageFinalTranscribe, o.now().Sub(t0))
	if err != nil {
		o.providerError(provider.Name(), observability.StageFinalTranscribe, err)
		log.Printf("voice: session=%s final transcription failed: %v", job.sessionID, err)
		return protocol.EntitiesExtracted{}, err
	}

	var entities []storage.Entity
	if transcript != "" {
		t1 := o.now()
		entities, err = provider.ExtractEntities(ctx, transcript)
		o.observeStage(observability.StageExtract, o.now().Sub(t1))
		if err != nil {
			// The transcript is still worth keeping without entities.
			o.providerError(provider.Name(), observability.StageExtract, err)
			log.Printf("voice: session=%s entity extraction failed, continuing without entities: %v", job.sessionID, err)
			entities = nil
		}
	}

	// A client that left before persistence began gets nothing stored.
	if err := ctx.Err(); err != nil {
		return protocol.EntitiesExtracted{}, apperr.Wrap(err, apperr.KindGeneral, "connection closed before persistence")
	}
	// From here the conversation and its entities are written as a unit even
	// if the client disconnects; each write is still bounded by the storage
	// timeout.
	ctx = context.WithoutCancel(ctx)

	duration := o.now().Sub(job.startedAt).Seconds()
	if duration < 0 {
		duration = 0
	}

	t2 := o.now()
	conversationID, err := o.gateway.StoreConversation(ctx, transcript, duration, storage.Metadata{
		Provider:    provider.Name(),
		EntityCount: len(entities),
		ProcessedAt: o.now().UTC(),
		SessionID:   job.sessionID,
		ChunkCount:  job.chunkCount,
		SampleRate:  job.sampleRate,
	})
	if err != nil {
		o.observeStage(observability.StagePersist, o.now().Sub(t2))
		o.providerError("storage", observability.StagePersist, err)
		log.Printf("voice: session=%s store conversation failed: %v", job.sessionID, err)
		return protocol.EntitiesExtracted{}, err
	}

	out := make([]protocol.Entity, 0, len(entities))
	for i := range entities {
		entities[i].ConversationID = conversationID
		if _, err := o.gateway.StoreEntity(ctx, entities[i]); err != nil {
			o.providerError("storage", observability.StagePersist, err)
			o.sessionEvent("entity_store_failed", 1)
			log.Printf("voice: session=%s store entity %d/%d (%s) failed: %v", job.sessionID, i+1, len(entities), entities[i].Type, err)
		}
		out = append(out, protocol.Entity{
			Type:           string(entities[i].Type),
			Value:          entities[i].Value,
			Confidence:     entities[i].Confidence,
			Context:        entities[i].Context,
			ConversationID: conversationID,
		})
	}
	o.observeStage(observability.StagePersist, o.now().Sub(t2))

	log.Printf("voice: session=%s finalized conversation=%s chunks=%d entities=%d transcript=%q",
		job.sessionID, conversationID, job.chunkCount, len(out), policy.ForLog(transcript, logTranscriptRunes))

	return protocol.EntitiesExtracted{
		Type:           protocol.TypeEntitiesExtracted,
		SessionID:      job.sessionID,
		Transcription:  transcript,
		Entities:       out,
		ConversationID: conversationID,
		DurationSec:    duration,
	}, nil
}

// send delivers msg to the writer. Partial transcripts are dropped when the
// writer is backed up; everything else waits up to SendTimeout.
func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) {
	msgType, _ := protocol.TypeOf(msg)
	record := func(result string) {
		if o.metrics == nil {
			return
		}
		if result == "delivered" {
			o.metrics.WSMessages.WithLabelValues("outbound", string(msgType)).Inc()
			return
		}
		o.metrics.SessionEvents.WithLabelValues("outbound_" + result).Inc()
	}

	if msgType == protocol.TypeTranscriptionChunk {
		select {
		case outbound <- msg:
			record("delivered")
		default:
			record("dropped")
		}
		return
	}

	timer := time.NewTimer(o.opts.SendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		log.Printf("voice: outbound %s dropped after %s", msgType, o.opts.SendTimeout)
	case <-ctx.Done():
		record("dropped")
	}
}

func (o *Orchestrator) sessionEvent(event string, n int) {
	if o.metrics == nil || n <= 0 {
		return
	}
	o.metrics.SessionEvents.WithLabelValues(event).Add(float64(n))
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	o.metrics.ObserveStage(stage, d)
}

func (o *Orchestrator) providerError(provider, stage string, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.ProviderErrors.WithLabelValues(provider, stage, string(apperr.KindOf(err))).Inc()
	if apperr.KindOf(err) == apperr.KindTimeout {
		o.metrics.ObserveIndicator(stage + "_timeout")
	}
}
