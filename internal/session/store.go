package session

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voxnote/internal/apperr"
)

var ErrNotFound = errors.New("session not found")

// Session is one in-progress streaming interaction on a connection.
type Session struct {
	ID          string
	Provider    string
	SampleRate  int
	State       State
	AudioChunks [][]byte
	// Transcript is replaced, never appended, by newer partial results.
	Transcript string
	StartedAt  time.Time
	audioBytes int
}

// AudioBytes reports the total buffered audio size.
func (s *Session) AudioBytes() int { return s.audioBytes }

// RecentAudio concatenates the last n chunks.
func (s *Session) RecentAudio(n int) []byte {
	if n <= 0 || n > len(s.AudioChunks) {
		n = len(s.AudioChunks)
	}
	return concat(s.AudioChunks[len(s.AudioChunks)-n:])
}

// FullAudio concatenates every buffered chunk in arrival order.
func (s *Session) FullAudio() []byte {
	return concat(s.AudioChunks)
}

func concat(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Limits bounds resources held by one connection.
type Limits struct {
	MaxSessions     int
	MaxChunkBytes   int
	MaxSessionBytes int
}

// Store holds the sessions of a single connection. It is owned by the
// connection's dispatch goroutine and is not safe for concurrent use.
type Store struct {
	limits   Limits
	sessions map[string]*Session
	now      func() time.Time
}

func NewStore(limits Limits) *Store {
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = 8
	}
	return &Store{
		limits:   limits,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create allocates a fresh session bound to provider.
func (st *Store) Create(provider string, sampleRate int) (*Session, error) {
	if len(st.sessions) >= st.limits.MaxSessions {
		return nil, apperr.Newf(apperr.KindRateLimit, "connection already has %d concurrent sessions", len(st.sessions)).
			WithUserMessage("Too many active recordings on this connection. Finish one before starting another.")
	}
	s := &Session{
		ID:         uuid.NewString(),
		Provider:   provider,
		SampleRate: sampleRate,
		State:      StateCreated,
		StartedAt:  st.now().UTC(),
	}
	st.sessions[s.ID] = s
	return s, nil
}

func (st *Store) Get(id string) (*Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Append applies a voice_data event and buffers chunk.
func (st *Store) Append(id string, chunk []byte) (*Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if st.limits.MaxChunkBytes > 0 && len(chunk) > st.limits.MaxChunkBytes {
		return s, apperr.Newf(apperr.KindValidation, "audio chunk of %d bytes exceeds %d", len(chunk), st.limits.MaxChunkBytes).
			WithUserMessage("Audio chunk is too large.")
	}
	if st.limits.MaxSessionBytes > 0 && s.audioBytes+len(chunk) > st.limits.MaxSessionBytes {
		return s, apperr.Newf(apperr.KindUpload, "session audio exceeds %d bytes", st.limits.MaxSessionBytes).
			WithUserMessage("This recording is too long. Please end it and start a new one.")
	}
	next, action, err := Transition(s.State, EventVoiceData)
	if err != nil {
		return s, err
	}
	s.State = next
	if action == ActionAppend {
		s.AudioChunks = append(s.AudioChunks, chunk)
		s.audioBytes += len(chunk)
	}
	return s, nil
}

// Advance applies ev to the session and returns the resulting action.
func (st *Store) Advance(id string, ev Event) (*Session, Action, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, ActionNone, ErrNotFound
	}
	next, action, err := Transition(s.State, ev)
	if err != nil {
		return s, ActionNone, err
	}
	s.State = next
	return s, action, nil
}

// Remove deletes the session and returns it.
func (st *Store) Remove(id string) (*Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(st.sessions, id)
	return s, nil
}

// DiscardAll closes every session without persistence, returning the ids of
// those that were still open.
func (st *Store) DiscardAll() []string {
	ids := make([]string, 0, len(st.sessions))
	for id, s := range st.sessions {
		next, action, _ := Transition(s.State, EventDisconnect)
		s.State = next
		s.AudioChunks = nil
		if action == ActionDiscard {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	st.sessions = make(map[string]*Session)
	return ids
}

func (st *Store) Len() int { return len(st.sessions) }
