package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/session"
	"github.com/ent0n29/voxnote/internal/storage"
)

type fakeProvider struct {
	name string

	mu            sync.Mutex
	transcribe    func(ctx context.Context, pcm []byte) (string, error)
	entities      []storage.Entity
	extractErr    error
	transcribeLen []int
	extractCalls  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		name: "fake",
		transcribe: func(_ context.Context, pcm []byte) (string, error) {
			return fmt.Sprintf("len=%d", len(pcm)), nil
		},
	}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Transcribe(ctx context.Context, pcm []byte, _ int) (string, error) {
	p.mu.Lock()
	p.transcribeLen = append(p.transcribeLen, len(pcm))
	fn := p.transcribe
	p.mu.Unlock()
	return fn(ctx, pcm)
}

func (p *fakeProvider) ExtractEntities(_ context.Context, _ string) ([]storage.Entity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extractCalls++
	if p.extractErr != nil {
		return nil, p.extractErr
	}
	return append([]storage.Entity(nil), p.entities...), nil
}

func (p *fakeProvider) calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.transcribeLen...)
}

type storedConversation struct {
	transcript string
	duration   float64
	meta       storage.Metadata
}

type fakeGateway struct {
	mu            sync.Mutex
	conversations []storedConversation
	entities      []storage.Entity
	entityCalls   int
	failEntity    func(call int) error
	// beforeEntity runs ahead of each entity write, outside the lock.
	beforeEntity  func(call int)
}

// Writes fail on a cancelled context the way a real driver does.
func (g *fakeGateway) StoreConversation(ctx context.Context, transcript string, duration float64, meta storage.Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conversations = append(g.conversations, storedConversation{transcript: transcript, duration: duration, meta: meta})
	return fmt.Sprintf("conv-%d", len(g.conversations)), nil
}

func (g *fakeGateway) StoreEntity(ctx context.Context, e storage.Entity) (string, error) {
	g.mu.Lock()
	g.entityCalls++
	call := g.entityCalls
	g.mu.Unlock()
	if g.beforeEntity != nil {
		g.beforeEntity(call)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failEntity != nil {
		if err := g.failEntity(call); err != nil {
			return "", err
		}
	}
	g.entities = append(g.entities, e)
	return fmt.Sprintf("ent-%d", len(g.entities)), nil
}

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) counts() (conversations, entities int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conversations), len(g.entities)
}

var testTimeouts = Timeouts{
	Transcription:        time.Second,
	PartialTranscription: time.Second,
	Extraction:           time.Second,
}

func newTestOrchestrator(p Provider, gw storage.Gateway, breakers *reliability.Breakers, opts Options) (*Orchestrator, *session.Manager) {
	if breakers == nil {
		breakers = reliability.NewBreakers(5, time.Minute)
	}
	reg := NewRegistry(p.Name(), NewGuardedProvider(p, breakers, testTimeouts))
	mgr := session.NewManager()
	return NewOrchestrator(reg, gw, mgr, nil, opts), mgr
}

// connHarness drives RunConnection through its channels.
type connHarness struct {
	t      *testing.T
	in     chan any
	out    chan any
	cancel context.CancelFunc
	done   chan error
}

func startConn(t *testing.T, o *Orchestrator) *connHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &connHarness{
		t:      t,
		in:     make(chan any, 64),
		out:    make(chan any, 64),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { h.done <- o.RunConnection(ctx, h.in, h.out) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *connHarness) send(msg any) { h.in <- msg }

func (h *connHarness) next() any {
	h.t.Helper()
	select {
	case msg := <-h.out:
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (h *connHarness) expectQuiet(d time.Duration) {
	h.t.Helper()
	select {
	case msg := <-h.out:
		h.t.Fatalf("unexpected outbound message %#v", msg)
	case <-time.After(d):
	}
}

// stop cancels the connection and waits for RunConnection to return.
func (h *connHarness) stop() {
	h.t.Helper()
	h.cancel()
	select {
	case <-h.done:
		h.done <- nil
	case <-time.After(2 * time.Second):
		h.t.Fatalf("RunConnection did not return after cancel")
	}
}

func chunkOf(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}
