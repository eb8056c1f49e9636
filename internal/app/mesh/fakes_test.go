package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var errNoRemoteDescription = errors.New("no remote description")

type fakeLink struct {
	remote domain.ParticipantID

	mu           sync.Mutex
	negotiateErr error
	acceptErr    error
	completeErr  error
	negotiations int
	accepts      int
	completes    int
	remoteSet    bool
	lastOffer    string
	applied      []string
	closed       bool
	onCandidate  func(webrtc.ICECandidateInit)
	onMedia      func(core.RemoteTrack)
	onState      func(core.LinkState)
}

func (l *fakeLink) Negotiate(context.Context) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.negotiations++
	if l.negotiateErr != nil {
		return webrtc.SessionDescription{}, l.negotiateErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", l.remote, l.negotiations)}, nil
}

func (l *fakeLink) Accept(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepts++
	if l.acceptErr != nil {
		return webrtc.SessionDescription{}, l.acceptErr
	}
	l.remoteSet = true
	l.lastOffer = offer.SDP
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (l *fakeLink) CompleteNegotiation(_ context.Context, _ webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completes++
	if l.completeErr != nil {
		return l.completeErr
	}
	l.remoteSet = true
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		return errNoRemoteDescription
	}
	l.applied = append(l.applied, c.Candidate)
	return nil
}

func (l *fakeLink) OnLocalCandidate(f func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = f
}

func (l *fakeLink) OnRemoteMedia(f func(core.RemoteTrack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMedia = f
}

func (l *fakeLink) OnStateChange(f func(core.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = f
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) emitCandidate(text string) {
	l.mu.Lock()
	f := l.onCandidate
	l.mu.Unlock()
	f(webrtc.ICECandidateInit{Candidate: text})
}

func (l *fakeLink) emitState(st core.LinkState) {
	l.mu.Lock()
	f := l.onState
	l.mu.Unlock()
	f(st)
}

func (l *fakeLink) emitMedia(t core.RemoteTrack) {
	l.mu.Lock()
	f := l.onMedia
	l.mu.Unlock()
	f(t)
}

type linkSnapshot struct {
	negotiations int
	accepts      int
	completes    int
	remoteSet    bool
	lastOffer    string
	applied      []string
	closed       bool
}

func (l *fakeLink) snapshot() linkSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return linkSnapshot{
		negotiations: l.negotiations,
		accepts:      l.accepts,
		completes:    l.completes,
		remoteSet:    l.remoteSet,
		lastOffer:    l.lastOffer,
		applied:      append([]string(nil), l.applied...),
		closed:       l.closed,
	}
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return "stream-" + t.id }

type fakeFactory struct {
	mu    sync.Mutex
	err   error
	links map[domain.ParticipantID][]*fakeLink
	// configure is applied to every new link.
	configure func(*fakeLink)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{links: make(map[domain.ParticipantID][]*fakeLink)}
}

func (f *fakeFactory) NewLink(remote domain.ParticipantID, _ core.Capture) (core.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{remote: remote}
	if f.configure != nil {
		f.configure(l)
	}
	f.links[remote] = append(f.links[remote], l)
	return l, nil
}

func (f *fakeFactory) latest(id domain.ParticipantID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := f.links[id]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

func (f *fakeFactory) created(id domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[id])
}

func (f *fakeFactory) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ls := range f.links {
		n += len(ls)
	}
	return n
}

type sentEvent struct {
	Event   string
	Payload any
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []sentEvent
	handlers map[string]func(json.RawMessage)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]func(json.RawMessage))}
}

func (c *fakeChannel) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEvent{Event: event, Payload: payload})
	return nil
}

func (c *fakeChannel) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *fakeChannel) deliver(t *testing.T, event string, raw string) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[event]
	c.mu.Unlock()
	require.True(t, ok, "no handler for %s", event)
	h(json.RawMessage(raw))
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, s := range c.sent {
		out = append(out, s.Event)
	}
	return out
}

func (c *fakeChannel) signals() []protocol.OutboundSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.OutboundSignal
	for _, s := range c.sent {
		if sig, ok := s.Payload.(protocol.OutboundSignal); ok {
			out = append(out, sig)
		}
	}
	return out
}

func (c *fakeChannel) activity() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bool
	for _, s := range c.sent {
		if a, ok := s.Payload.(protocol.ActivityPayload); ok {
			out = append(out, a.IsSpeaking)
		}
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

type fakeCapture struct {
	loud   atomic.Bool
	closed atomic.Bool
}

func (c *fakeCapture) Loud() bool   { return c.loud.Load() }
func (c *fakeCapture) Close() error { c.closed.Store(true); return nil }

type fakeMic struct {
	mu       sync.Mutex
	err      error
	captures []*fakeCapture
}

func (m *fakeMic) Acquire(context.Context) (core.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c := &fakeCapture{}
	m.captures = append(m.captures, c)
	return c, nil
}

func (m *fakeMic) last() *fakeCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		return nil
	}
	return m.captures[len(m.captures)-1]
}

type inlineDispatcher struct{}

func (inlineDispatcher) Submit(task func()) { task() }

// manualDispatcher holds steps until the test runs them.
type manualDispatcher struct {
	mu    sync.Mutex
	tasks []func()
}

func (d *manualDispatcher) Submit(task func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
}

func (d *manualDispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *manualDispatcher) runAll() {
	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks = d.tasks[1:]
		d.mu.Unlock()
		task()
	}
}

type harness struct {
	s       *Session
	ch      *fakeChannel
	factory *fakeFactory
	mic     *fakeMic
}

func newHarness(t *testing.T, self domain.ParticipantID, d Dispatcher, mods ...func(*Options)) *harness {
	t.Helper()
	if d == nil {
		d = inlineDispatcher{}
	}
	h := &harness{ch: newFakeChannel(), factory: newFakeFactory(), mic: &fakeMic{}}
	opts := Options{
		SelfID:         self,
		Channel:        h.ch,
		Links:          h.factory,
		Microphone:     h.mic,
		Dispatcher:     d,
		SampleInterval: time.Hour, // samples are taken by hand
	}
	for _, mod := range mods {
		mod(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	h.s = s
	t.Cleanup(s.Close)
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Join(context.Background()))
}

func (h *harness) roster(t *testing.T, ids ...domain.ParticipantID) {
	t.Helper()
	list := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		list = append(list, domain.Participant{ID: id, DisplayName: "user-" + id.String()})
	}
	raw, err := json.Marshal(list)
	require.NoError(t, err)
	h.ch.deliver(t, protocol.EventRosterUpdate, string(raw))
}

func (h *harness) signal(t *testing.T, from domain.ParticipantID, sig protocol.Signal) {
	t.Helper()
	raw, err := json.Marshal(protocol.InboundSignal{FromID: from, Signal: sig})
	require.NoError(t, err)
	h.ch.deliver(t, protocol.EventSignal, string(raw))
}

func (h *harness) peer(id domain.ParticipantID) (*peerLink, bool) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.links.Get(id)
}

func (h *harness) negotiation(t *testing.T, id domain.ParticipantID) NegotiationState {
	t.Helper()
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	p, ok := h.s.links.Get(id)
	require.True(t, ok, "no link to %s", id)
	return p.state
}

func (h *harness) buffered(id domain.ParticipantID) int {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.candidates.Len(id)
}

func offer(sdp string) protocol.Signal {
	return protocol.OfferSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func answer(sdp string) protocol.Signal {
	return protocol.AnswerSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func candidate(text string) protocol.Signal {
	return protocol.CandidateSignal(webrtc.ICECandidateInit{Candidate: text})
}
