package voice

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/protocol"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/session"
	"github.com/ent0n29/voxnote/internal/storage"
)

func startSession(t *testing.T, h *connHarness) string {
	t.Helper()
	h.send(protocol.StartStreaming{Type: protocol.TypeStartStreaming})
	started, ok := h.next().(protocol.StreamingStarted)
	if !ok {
		t.Fatalf("first reply is not streaming_started")
	}
	if started.SessionID == "" {
		t.Fatalf("StreamingStarted.SessionID is empty")
	}
	return started.SessionID
}

func voice(id string, n int) protocol.VoiceData {
	return protocol.VoiceData{Type: protocol.TypeVoiceData, SessionID: id, Audio: chunkOf(n)}
}

func end(id string) protocol.EndStreaming {
	return protocol.EndStreaming{Type: protocol.TypeEndStreaming, SessionID: id}
}

func TestSilentSessionProducesPartialsThenFinal(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(NewMockProvider(), gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	for i := 0; i < 6; i++ {
		h.send(voice(id, 3200))
	}
	h.send(end(id))

	var partials []string
	var final protocol.EntitiesExtracted
	for {
		msg := h.next()
		if chunk, ok := msg.(protocol.TranscriptionChunk); ok {
			if chunk.IsFinal {
				t.Fatalf("partial chunk marked final")
			}
			partials = append(partials, chunk.Transcription)
			continue
		}
		var ok bool
		final, ok = msg.(protocol.EntitiesExtracted)
		if !ok {
			t.Fatalf("terminal message = %#v, want entities_extracted", msg)
		}
		break
	}

	if len(partials) != 2 {
		t.Fatalf("partials = %v, want 2 (after chunks 5 and 6)", partials)
	}
	if partials[0] != "[silence 0.5s]" {
		t.Fatalf("partials[0] = %q, want %q", partials[0], "[silence 0.5s]")
	}
	if final.Transcription != "[silence 0.6s]" {
		t.Fatalf("final transcription = %q, want %q", final.Transcription, "[silence 0.6s]")
	}
	if final.ConversationID != "conv-1" {
		t.Fatalf("ConversationID = %q, want conv-1", final.ConversationID)
	}
	h.expectQuiet(50 * time.Millisecond)

	if n := len(gw.conversations); n != 1 {
		t.Fatalf("stored conversations = %d, want 1", n)
	}
	meta := gw.conversations[0].meta
	if meta.ChunkCount != 6 || meta.Provider != ProviderMock || meta.SessionID != id || meta.SampleRate != 16000 {
		t.Fatalf("metadata = %+v", meta)
	}
}

func TestFinalTranscriptUsesFullAudioNotWindow(t *testing.T) {
	p := newFakeProvider()
	o, _ := newTestOrchestrator(p, &fakeGateway{}, nil, Options{PartialWindowChunks: 5})
	h := startConn(t, o)

	id := startSession(t, h)
	for i := 0; i < 7; i++ {
		h.send(voice(id, 100))
	}
	h.send(end(id))

	var last any
	for {
		last = h.next()
		if _, ok := last.(protocol.TranscriptionChunk); !ok {
			break
		}
	}
	final, ok := last.(protocol.EntitiesExtracted)
	if !ok {
		t.Fatalf("terminal message = %#v, want entities_extracted", last)
	}
	if final.Transcription != "len=700" {
		t.Fatalf("final transcription = %q, want len=700", final.Transcription)
	}
	want := []int{500, 500, 500, 700}
	if got := p.calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("transcribe lengths = %v, want %v", got, want)
	}
}

func TestPartialStrideSkipsIntermediateChunks(t *testing.T) {
	p := newFakeProvider()
	o, _ := newTestOrchestrator(p, &fakeGateway{}, nil, Options{PartialWindowChunks: 2, PartialEveryChunks: 3})
	h := startConn(t, o)

	id := startSession(t, h)
	for i := 0; i < 6; i++ {
		h.send(voice(id, 10))
	}
	h.send(end(id))
	for {
		if _, ok := h.next().(protocol.EntitiesExtracted); ok {
			break
		}
	}
	// Partials after chunks 2 and 5, then the final pass.
	want := []int{20, 20, 60}
	if got := p.calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("transcribe lengths = %v, want %v", got, want)
	}
}

func TestShortSessionSkipsPartials(t *testing.T) {
	p := newFakeProvider()
	o, _ := newTestOrchestrator(p, &fakeGateway{}, nil, Options{PartialWindowChunks: 5})
	h := startConn(t, o)

	id := startSession(t, h)
	for i := 0; i < 3; i++ {
		h.send(voice(id, 100))
	}
	h.send(end(id))

	final, ok := h.next().(protocol.EntitiesExtracted)
	if !ok {
		t.Fatalf("expected entities_extracted without any partial")
	}
	if final.Transcription != "len=300" {
		t.Fatalf("final transcription = %q, want len=300", final.Transcription)
	}
}

func TestEndWithoutAudioFinalizesEmpty(t *testing.T) {
	p := newFakeProvider()
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(p, gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(end(id))

	final, ok := h.next().(protocol.EntitiesExtracted)
	if !ok {
		t.Fatalf("expected entities_extracted for an empty session")
	}
	if final.Transcription != "" || len(final.Entities) != 0 {
		t.Fatalf("final = %+v, want empty transcript and no entities", final)
	}
	if calls := p.calls(); len(calls) != 0 {
		t.Fatalf("provider called %d times for empty audio", len(calls))
	}
	if p.extractCalls != 0 {
		t.Fatalf("extract called for empty transcript")
	}
	if n, _ := gw.counts(); n != 1 {
		t.Fatalf("stored conversations = %d, want 1", n)
	}
}

func TestEntityStoreFailureIsSkipped(t *testing.T) {
	p := newFakeProvider()
	p.entities = []storage.Entity{
		{Type: storage.EntityPerson, Value: "Ada", Confidence: 0.9},
		{Type: storage.EntityOrganization, Value: "Acme Inc", Confidence: 0.8},
		{Type: storage.EntityDate, Value: "tomorrow", Confidence: 0.7},
	}
	gw := &fakeGateway{failEntity: func(call int) error {
		if call == 2 {
			return apperr.New(apperr.KindDatabase, "constraint violation")
		}
		return nil
	}}
	o, _ := newTestOrchestrator(p, gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 100))
	h.send(end(id))

	final, ok := h.next().(protocol.EntitiesExtracted)
	if !ok {
		t.Fatalf("expected entities_extracted despite an entity store failure")
	}
	if len(final.Entities) != 3 {
		t.Fatalf("reply entities = %d, want 3", len(final.Entities))
	}
	for _, e := range final.Entities {
		if e.ConversationID != final.ConversationID {
			t.Fatalf("entity conversationId = %q, want %q", e.ConversationID, final.ConversationID)
		}
	}
	convs, ents := gw.counts()
	if convs != 1 || ents != 2 {
		t.Fatalf("stored conversations=%d entities=%d, want 1 and 2", convs, ents)
	}
	if gw.conversations[0].meta.EntityCount != 3 {
		t.Fatalf("EntityCount = %d, want 3", gw.conversations[0].meta.EntityCount)
	}

	// The session is closed: further messages for it are no-ops.
	h.send(voice(id, 100))
	h.send(end(id))
	h.expectQuiet(80 * time.Millisecond)
}

func TestDuplicateEndStreamingIsNoop(t *testing.T) {
	p := newFakeProvider()
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(p, gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))
	h.send(end(id))

	if _, ok := h.next().(protocol.EntitiesExtracted); !ok {
		t.Fatalf("expected entities_extracted")
	}
	h.expectQuiet(80 * time.Millisecond)
	if n, _ := gw.counts(); n != 1 {
		t.Fatalf("stored conversations = %d, want 1", n)
	}
}

func TestVoiceDataForUnknownSessionIsIgnored(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{})
	h := startConn(t, o)

	h.send(voice("does-not-exist", 10))
	h.send(end("does-not-exist"))
	h.expectQuiet(80 * time.Millisecond)
}

func TestInvalidAudioKeepsSessionUsable(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(protocol.VoiceData{Type: protocol.TypeVoiceData, SessionID: id, Audio: "***not base64***"})
	serr, ok := h.next().(protocol.StreamingError)
	if !ok {
		t.Fatalf("expected streaming_error for undecodable audio")
	}
	if serr.Kind != string(apperr.KindValidation) || serr.SessionID != id {
		t.Fatalf("streaming_error = %+v", serr)
	}

	h.send(voice(id, 40))
	h.send(end(id))
	final, ok := h.next().(protocol.EntitiesExtracted)
	if !ok || final.Transcription != "len=40" {
		t.Fatalf("final = %#v, want transcription len=40", final)
	}
}

func TestUnknownProviderIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{})
	h := startConn(t, o)

	h.send(protocol.StartStreaming{Type: protocol.TypeStartStreaming, Provider: "nope"})
	serr, ok := h.next().(protocol.StreamingError)
	if !ok {
		t.Fatalf("expected streaming_error for unknown provider")
	}
	if serr.Kind != string(apperr.KindValidation) {
		t.Fatalf("Kind = %q, want validation", serr.Kind)
	}
}

func TestSessionLimitPerConnection(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{Limits: session.Limits{MaxSessions: 1}})
	h := startConn(t, o)

	startSession(t, h)
	h.send(protocol.StartStreaming{Type: protocol.TypeStartStreaming})
	serr, ok := h.next().(protocol.StreamingError)
	if !ok || serr.Kind != string(apperr.KindRateLimit) {
		t.Fatalf("second start = %#v, want ratelimit streaming_error", serr)
	}
}

func TestTranscriptionFailureEmitsStreamingErrorAndRemovesSession(t *testing.T) {
	p := newFakeProvider()
	p.transcribe = func(context.Context, []byte) (string, error) {
		return "", apperr.New(apperr.KindNetwork, "upstream reset")
	}
	gw := &fakeGateway{}
	o, mgr := newTestOrchestrator(p, gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))

	serr, ok := h.next().(protocol.StreamingError)
	if !ok {
		t.Fatalf("expected streaming_error")
	}
	if serr.SessionID != id {
		t.Fatalf("SessionID = %q, want %q", serr.SessionID, id)
	}
	if strings.Contains(serr.Error, "upstream reset") {
		t.Fatalf("client error leaks internals: %q", serr.Error)
	}
	if n, _ := gw.counts(); n != 0 {
		t.Fatalf("stored conversations = %d, want 0", n)
	}

	h.send(end(id))
	h.expectQuiet(80 * time.Millisecond)
	if got := mgr.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
}

func TestPartialFailureIsNotSurfaced(t *testing.T) {
	p := newFakeProvider()
	calls := 0
	p.transcribe = func(_ context.Context, pcm []byte) (string, error) {
		calls++
		if calls == 1 {
			return "", apperr.New(apperr.KindTimeout, "slow")
		}
		return "final", nil
	}
	o, _ := newTestOrchestrator(p, &fakeGateway{}, nil, Options{PartialWindowChunks: 1})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))

	final, ok := h.next().(protocol.EntitiesExtracted)
	if !ok || final.Transcription != "final" {
		t.Fatalf("reply = %#v, want entities_extracted with transcription final", final)
	}
}

func TestExtractionFailureStillPersistsTranscript(t *testing.T) {
	p := newFakeProvider()
	p.extractErr = apperr.New(apperr.KindAIProvider, "model overloaded")
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(p, gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))

	final, ok := h.next().(protocol.EntitiesExtracted)
	if !ok {
		t.Fatalf("expected entities_extracted")
	}
	if len(final.Entities) != 0 {
		t.Fatalf("entities = %d, want 0", len(final.Entities))
	}
	if n, _ := gw.counts(); n != 1 {
		t.Fatalf("stored conversations = %d, want 1", n)
	}
}

func TestBreakerOpensAcrossSessions(t *testing.T) {
	p := newFakeProvider()
	p.transcribe = func(context.Context, []byte) (string, error) {
		return "", apperr.New(apperr.KindNetwork, "connection refused")
	}
	breakers := reliability.NewBreakers(2, time.Minute)
	o, _ := newTestOrchestrator(p, &fakeGateway{}, breakers, Options{})
	h := startConn(t, o)

	for i := 0; i < 3; i++ {
		id := startSession(t, h)
		h.send(voice(id, 10))
		h.send(end(id))
		if _, ok := h.next().(protocol.StreamingError); !ok {
			t.Fatalf("session %d: expected streaming_error", i)
		}
	}
	if got := len(p.calls()); got != 2 {
		t.Fatalf("provider calls = %d, want 2 (third short-circuited)", got)
	}
	if st := breakers.Get("transcription:fake").State(); st != reliability.StateOpen {
		t.Fatalf("breaker state = %q, want open", st)
	}
}

func TestDisconnectMidStreamDiscardsWithoutPersisting(t *testing.T) {
	gw := &fakeGateway{}
	o, mgr := newTestOrchestrator(newFakeProvider(), gw, nil, Options{})
	h := startConn(t, o)

	id := startSession(t, h)
	for i := 0; i < 3; i++ {
		h.send(voice(id, 10))
	}
	h.stop()

	if n, e := gw.counts(); n != 0 || e != 0 {
		t.Fatalf("stored conversations=%d entities=%d, want none", n, e)
	}
	if mgr.ActiveCount() != 0 || mgr.ConnectionCount() != 0 {
		t.Fatalf("manager still tracks sessions=%d connections=%d", mgr.ActiveCount(), mgr.ConnectionCount())
	}
}

func TestDisconnectDuringFinalizationCancelsProvider(t *testing.T) {
	p := newFakeProvider()
	entered := make(chan struct{})
	p.transcribe = func(ctx context.Context, _ []byte) (string, error) {
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	}
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(p, gw, nil, Options{PartialWindowChunks: 10})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("finalization never reached the provider")
	}
	h.stop()

	if n, _ := gw.counts(); n != 0 {
		t.Fatalf("stored conversations = %d, want 0", n)
	}
}

func TestDisconnectDuringPersistenceStoresEveryEntity(t *testing.T) {
	p := newFakeProvider()
	p.entities = []storage.Entity{
		{Type: storage.EntityPerson, Value: "Ada", Confidence: 0.9},
		{Type: storage.EntityOrganization, Value: "Acme Inc", Confidence: 0.8},
		{Type: storage.EntityDate, Value: "tomorrow", Confidence: 0.7},
	}
	writing := make(chan struct{})
	resume := make(chan struct{})
	gw := &fakeGateway{beforeEntity: func(call int) {
		if call == 1 {
			close(writing)
			<-resume
		}
	}}
	o, mgr := newTestOrchestrator(p, gw, nil, Options{PartialWindowChunks: 10})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))
	select {
	case <-writing:
	case <-time.After(2 * time.Second):
		t.Fatalf("finalization never reached entity persistence")
	}
	h.cancel()
	close(resume)
	h.stop()

	convs, ents := gw.counts()
	if convs != 1 || ents != 3 {
		t.Fatalf("stored conversations=%d entities=%d, want 1 and 3", convs, ents)
	}
	if gw.conversations[0].meta.EntityCount != ents {
		t.Fatalf("EntityCount = %d, stored entities = %d", gw.conversations[0].meta.EntityCount, ents)
	}
	if mgr.ActiveCount() != 0 || mgr.ConnectionCount() != 0 {
		t.Fatalf("manager still tracks sessions=%d connections=%d", mgr.ActiveCount(), mgr.ConnectionCount())
	}
}

func TestSettleFollowsTransitionAction(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{})
	c := &conn{id: "conn-1", store: session.NewStore(session.Limits{})}
	var ids []string
	for i := 0; i < 3; i++ {
		s, err := c.store.Create("fake", 16000)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		_, _, _ = c.store.Advance(s.ID, session.EventEndStreaming)
		ids = append(ids, s.ID)
	}
	// Closed but not yet removed: any later outcome for it is stale.
	_, _, _ = c.store.Advance(ids[2], session.EventFinalized)

	if !o.settle(c, finalOutcome{sessionID: ids[0]}) {
		t.Fatalf("settle(finalized) = false, want true")
	}
	if !o.settle(c, finalOutcome{sessionID: ids[1], err: apperr.New(apperr.KindTranscription, "upstream failed")}) {
		t.Fatalf("settle(failed) = false, want true")
	}
	if o.settle(c, finalOutcome{sessionID: ids[2]}) {
		t.Fatalf("settle(closed session) = true, want false")
	}
	if o.settle(c, finalOutcome{sessionID: ids[0]}) {
		t.Fatalf("settle(removed session) = true, want false")
	}
	if c.store.Len() != 1 {
		t.Fatalf("Len() = %d, want only the stale closed session left", c.store.Len())
	}
}

func TestInboundErrorBecomesGenericError(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{})
	h := startConn(t, o)

	_, parseErr := protocol.ParseClientMessage([]byte(`{"type":"bogus"}`))
	h.send(parseErr)
	msg, ok := h.next().(protocol.ErrorMessage)
	if !ok {
		t.Fatalf("expected generic error message")
	}
	if msg.Type != protocol.TypeError || msg.Kind != string(apperr.KindValidation) {
		t.Fatalf("error message = %+v", msg)
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	o, _ := newTestOrchestrator(newFakeProvider(), &fakeGateway{}, nil, Options{})
	out := make(chan any, 1)
	c := &conn{id: "c1", store: session.NewStore(session.Limits{}), outbound: out}

	o.guard(context.Background(), c, func() { panic("boom") })

	select {
	case msg := <-out:
		em, ok := msg.(protocol.ErrorMessage)
		if !ok {
			t.Fatalf("reply = %T, want protocol.ErrorMessage", msg)
		}
		if strings.Contains(em.Error, "boom") {
			t.Fatalf("panic value leaked to client: %q", em.Error)
		}
	default:
		t.Fatalf("guard did not reply after panic")
	}
}

func TestPanickingProviderFailsOnlyThatSession(t *testing.T) {
	p := newFakeProvider()
	p.transcribe = func(context.Context, []byte) (string, error) { panic("provider bug") }
	o, _ := newTestOrchestrator(p, &fakeGateway{}, nil, Options{PartialWindowChunks: 10})
	h := startConn(t, o)

	id := startSession(t, h)
	h.send(voice(id, 10))
	h.send(end(id))
	if _, ok := h.next().(protocol.StreamingError); !ok {
		t.Fatalf("expected streaming_error after provider panic")
	}

	// The connection keeps serving.
	startSession(t, h)
}
