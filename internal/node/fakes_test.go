package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/blob"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/signaling"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/stretchr/testify/require"
)

var (
	fakeOffer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}
	fakeAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}
)

func fakeCandidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.1 %d typ host", n, 50000+n)}
}

// fakeSlot mirrors the single-subscriber callbacks of the real transport.
type fakeSlot[T any] struct {
	mu  sync.Mutex
	gen uint64
	fn  func(T)
}

func (s *fakeSlot[T]) set(fn func(T)) transport.Unsubscribe {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.fn = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if s.gen == gen {
			s.fn = nil
		}
		s.mu.Unlock()
	}
}

func (s *fakeSlot[T]) fire(v T) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (s *fakeSlot[T]) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn != nil {
		return 1
	}
	return 0
}

type fakeRelay struct {
	mu      sync.Mutex
	open    bool
	err     error
	sent    []signaling.Message
	deliver func(signaling.Message)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{open: true}
}

func (r *fakeRelay) Send(_ context.Context, msg signaling.Message) error {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, msg)
	deliver := r.deliver
	r.mu.Unlock()

	if deliver != nil {
		deliver(msg)
	}
	return nil
}

func (r *fakeRelay) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *fakeRelay) setOpen(open bool) {
	r.mu.Lock()
	r.open = open
	r.mu.Unlock()
}

func (r *fakeRelay) sentOfType(t signaling.MessageType) []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []signaling.Message
	for _, m := range r.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeBus routes relay traffic between coordinators through the JSON codec.
type fakeBus struct {
	mu      sync.Mutex
	inboxes map[string]chan signaling.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{inboxes: make(map[string]chan signaling.Message)}
}

func (b *fakeBus) join(id string) (*fakeRelay, <-chan signaling.Message) {
	inbox := make(chan signaling.Message, 256)
	b.mu.Lock()
	b.inboxes[id] = inbox
	b.mu.Unlock()

	r := newFakeRelay()
	r.deliver = func(msg signaling.Message) {
		data, err := msg.Marshal()
		if err != nil {
			return
		}
		decoded, err := signaling.Unmarshal(data)
		if err != nil {
			return
		}
		b.mu.Lock()
		in, ok := b.inboxes[decoded.Receiver]
		b.mu.Unlock()
		if ok {
			in <- decoded
		}
	}
	return r, inbox
}

// fakeNetwork connects the newest peer connections of two factories once
// the initiator has applied the answer.
type fakeNetwork struct {
	mu        sync.Mutex
	factories []*fakeFactory
}

func (n *fakeNetwork) newFactory() *fakeFactory {
	f := &fakeFactory{network: n}
	n.mu.Lock()
	n.factories = append(n.factories, f)
	n.mu.Unlock()
	return f
}

func (n *fakeNetwork) peerOf(pc *fakePC) *fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, f := range n.factories {
		if last := f.last(); last != nil && last != pc {
			return last
		}
	}
	return nil
}

func (n *fakeNetwork) connect(initiator *fakePC) {
	responder := n.peerOf(initiator)
	if responder == nil {
		return
	}

	initiator.mu.Lock()
	channels := append([]*fakeDC(nil), initiator.channels...)
	initiator.mu.Unlock()

	var remotes []*fakeDC
	for _, local := range channels {
		remote := newFakeDC(local.label)
		local.link(remote)
		responder.mu.Lock()
		responder.channels = append(responder.channels, remote)
		responder.mu.Unlock()
		responder.dataChannel.fire(remote)
		remotes = append(remotes, remote)
	}

	initiator.state.fire(webrtc.PeerConnectionStateConnected)
	responder.state.fire(webrtc.PeerConnectionStateConnected)

	for i, local := range channels {
		local.setOpen()
		remotes[i].setOpen()
	}
}

type fakeFactory struct {
	network *fakeNetwork

	mu  sync.Mutex
	pcs []*fakePC
	err error
}

func (f *fakeFactory) NewPeerConnection() (transport.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{network: f.network, signaling: webrtc.SignalingStateStable}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type fakePC struct {
	network *fakeNetwork

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	remoteErr  error
	candidates []webrtc.ICECandidateInit
	channels   []*fakeDC
	closed     bool

	candidate   fakeSlot[webrtc.ICECandidateInit]
	state       fakeSlot[webrtc.PeerConnectionState]
	dataChannel fakeSlot[transport.DataChannel]
}

func (p *fakePC) CreateDataChannel(label string) (transport.DataChannel, error) {
	dc := newFakeDC(label)
	p.mu.Lock()
	p.channels = append(p.channels, dc)
	p.mu.Unlock()
	return dc, nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return fakeOffer, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return fakeAnswer, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveRemoteOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		state := p.signaling
		p.mu.Unlock()
		return errors.New("invalid local description in state " + state.String())
	}
	p.local = &desc
	p.mu.Unlock()

	p.candidate.fire(fakeCandidate(9))
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.remoteErr != nil {
		err := p.remoteErr
		p.mu.Unlock()
		return err
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		state := p.signaling
		p.mu.Unlock()
		return errors.New("invalid remote description in state " + state.String())
	}
	p.remote = &desc
	p.remoteSets++
	network := p.network
	p.mu.Unlock()

	if network != nil && desc.Type == webrtc.SDPTypeAnswer {
		go network.connect(p)
	}
	return nil
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) transport.Unsubscribe {
	return p.candidate.set(fn)
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) transport.Unsubscribe {
	return p.state.set(fn)
}

func (p *fakePC) OnDataChannel(fn func(transport.DataChannel)) transport.Unsubscribe {
	return p.dataChannel.set(fn)
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.signaling = webrtc.SignalingStateClosed
	p.mu.Unlock()
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) subscribers() int {
	return p.candidate.active() + p.state.active() + p.dataChannel.active()
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePC) remoteDescriptionsSet() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *fakePC) setRemoteErr(err error) {
	p.mu.Lock()
	p.remoteErr = err
	p.mu.Unlock()
}

func (p *fakePC) channel(i int) *fakeDC {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.channels) {
		return nil
	}
	return p.channels[i]
}

// fakeFrame is one Send or SendText call and the buffered amount it saw.
type fakeFrame struct {
	text     bool
	data     []byte
	buffered uint64
}

type fakeDC struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	buffered  uint64
	threshold uint64
	frames    []fakeFrame
	peer      *fakeDC
	outbox    chan fakeFrame

	// pump stops once delivered reaches holdAt, until hold is closed.
	delivered int
	holdAt    int
	hold      chan struct{}

	done     chan struct{}
	doneOnce sync.Once

	openSlot    fakeSlot[struct{}]
	closeSlot   fakeSlot[struct{}]
	messageSlot fakeSlot[webrtc.DataChannelMessage]
	lowSlot     fakeSlot[struct{}]
}

func newFakeDC(label string) *fakeDC {
	return &fakeDC{
		label: label,
		state: webrtc.DataChannelStateConnecting,
		done:  make(chan struct{}),
	}
}

func (d *fakeDC) Label() string {
	return d.label
}

func (d *fakeDC) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDC) Send(data []byte) error {
	return d.enqueue(false, data)
}

func (d *fakeDC) SendText(text string) error {
	return d.enqueue(true, []byte(text))
}

func (d *fakeDC) enqueue(text bool, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel is not open")
	}

	f := fakeFrame{text: text, data: append([]byte(nil), data...), buffered: d.buffered}
	d.frames = append(d.frames, f)
	d.buffered += uint64(len(data))
	if d.outbox != nil {
		d.outbox <- f
	}
	return nil
}

func (d *fakeDC) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *fakeDC) SetBufferedAmountLowThreshold(threshold uint64) {
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
}

func (d *fakeDC) OnOpen(fn func()) transport.Unsubscribe {
	return d.openSlot.set(func(struct{}) { fn() })
}

func (d *fakeDC) OnClose(fn func()) transport.Unsubscribe {
	return d.closeSlot.set(func(struct{}) { fn() })
}

func (d *fakeDC) OnMessage(fn func(webrtc.DataChannelMessage)) transport.Unsubscribe {
	return d.messageSlot.set(fn)
}

func (d *fakeDC) OnBufferedAmountLow(fn func()) transport.Unsubscribe {
	return d.lowSlot.set(func(struct{}) { fn() })
}

func (d *fakeDC) Close() error {
	d.shutdown(true)
	return nil
}

// remoteClose simulates the peer closing the channel.
func (d *fakeDC) remoteClose() {
	d.shutdown(false)
}

func (d *fakeDC) shutdown(notifyPeer bool) {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return
	}
	d.state = webrtc.DataChannelStateClosed
	peer := d.peer
	d.mu.Unlock()

	d.doneOnce.Do(func() { close(d.done) })
	d.closeSlot.fire(struct{}{})
	if notifyPeer && peer != nil {
		go peer.remoteClose()
	}
}

func (d *fakeDC) setOpen() {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateOpen
	d.mu.Unlock()
	d.openSlot.fire(struct{}{})
}

// link pairs two channels; frames sent on one are delivered to the other and
// then leave the sender's buffer.
func (d *fakeDC) link(remote *fakeDC) {
	d.mu.Lock()
	d.peer = remote
	d.outbox = make(chan fakeFrame, 1024)
	d.mu.Unlock()

	remote.mu.Lock()
	remote.peer = d
	remote.outbox = make(chan fakeFrame, 1024)
	remote.mu.Unlock()

	go d.pump(remote)
	go remote.pump(d)
}

func (d *fakeDC) pump(peer *fakeDC) {
	d.mu.Lock()
	outbox := d.outbox
	d.mu.Unlock()

	for {
		select {
		case <-d.done:
			return
		case f := <-outbox:
			peer.messageSlot.fire(webrtc.DataChannelMessage{IsString: f.text, Data: f.data})
			d.release(uint64(len(f.data)))

			d.mu.Lock()
			d.delivered++
			var hold chan struct{}
			if d.hold != nil && d.delivered == d.holdAt {
				hold = d.hold
			}
			d.mu.Unlock()

			if hold != nil {
				select {
				case <-hold:
				case <-d.done:
					return
				}
			}
		}
	}
}

// pauseAfter stops delivery to the peer after n more frames until resume is
// called.
func (d *fakeDC) pauseAfter(n int) (resume func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdAt = d.delivered + n
	d.hold = make(chan struct{})
	hold := d.hold
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

// release takes n bytes off the buffer and fires the low event when the
// buffer falls to the threshold.
func (d *fakeDC) release(n uint64) {
	d.mu.Lock()
	before := d.buffered
	if n > d.buffered {
		n = d.buffered
	}
	d.buffered -= n
	after := d.buffered
	threshold := d.threshold
	d.mu.Unlock()

	if before > threshold && after <= threshold {
		d.lowSlot.fire(struct{}{})
	}
}

func (d *fakeDC) drainAll() {
	d.release(math.MaxUint64)
}

func (d *fakeDC) deliverText(text string) {
	d.messageSlot.fire(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
}

func (d *fakeDC) deliverBinary(data []byte) {
	d.messageSlot.fire(webrtc.DataChannelMessage{Data: data})
}

func (d *fakeDC) deliverControl(t *testing.T, msg ControlMessage) {
	t.Helper()
	text, err := msg.Encode()
	require.NoError(t, err)
	d.deliverText(text)
}

func (d *fakeDC) sentFrames() []fakeFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeFrame(nil), d.frames...)
}

func (d *fakeDC) binaryFrames() []fakeFrame {
	var out []fakeFrame
	for _, f := range d.sentFrames() {
		if !f.text {
			out = append(out, f)
		}
	}
	return out
}

func (d *fakeDC) subscribers() int {
	return d.openSlot.active() + d.closeSlot.active() + d.messageSlot.active() + d.lowSlot.active()
}

type recordingObserver struct {
	mu       sync.Mutex
	notices  []Notice
	states   []ConnState
	progress []Progress
	files    []ReceivedFile
}

func (o *recordingObserver) Notice(n Notice) {
	o.mu.Lock()
	o.notices = append(o.notices, n)
	o.mu.Unlock()
}

func (o *recordingObserver) StateChanged(s ConnState) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) Progress(p Progress) {
	o.mu.Lock()
	o.progress = append(o.progress, p)
	o.mu.Unlock()
}

func (o *recordingObserver) FileReceived(f ReceivedFile) {
	o.mu.Lock()
	o.files = append(o.files, f)
	o.mu.Unlock()
}

func (o *recordingObserver) hasError(target error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range o.notices {
		if n.Level == NoticeError && errors.Is(n.Err, target) {
			return true
		}
	}
	return false
}

func (o *recordingObserver) hasNotice(message string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range o.notices {
		if n.Message == message {
			return true
		}
	}
	return false
}

func (o *recordingObserver) requests() []ConnectionRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []ConnectionRequest
	for _, n := range o.notices {
		if n.Level == NoticeRequest && n.Request != nil {
			out = append(out, *n.Request)
		}
	}
	return out
}

func (o *recordingObserver) statesSeen() []ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ConnState(nil), o.states...)
}

func (o *recordingObserver) percents(d Direction) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []int
	for _, p := range o.progress {
		if p.Direction == d {
			out = append(out, p.Percent)
		}
	}
	return out
}

func (o *recordingObserver) received() []ReceivedFile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ReceivedFile(nil), o.files...)
}

type fakeTransfers struct {
	mu      sync.Mutex
	records []store.Transfer
}

func (f *fakeTransfers) CreateTransfer(_ context.Context, t *store.Transfer) error {
	f.mu.Lock()
	f.records = append(f.records, *t)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransfers) all() []store.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Transfer(nil), f.records...)
}

type harness struct {
	c         *Coordinator
	relay     *fakeRelay
	factory   *fakeFactory
	observer  *recordingObserver
	blobs     *blob.Store
	transfers *fakeTransfers
}

func newHarness(t *testing.T, localID string, configure ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		relay:     newFakeRelay(),
		factory:   &fakeFactory{},
		observer:  &recordingObserver{},
		blobs:     blob.NewStore(),
		transfers: &fakeTransfers{},
	}

	opts := Options{
		LocalID:   localID,
		Relay:     h.relay,
		Factory:   h.factory,
		Observer:  h.observer,
		Blobs:     h.blobs,
		Transfers: h.transfers,
		Logger:    logger.New(io.Discard, "debug"),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h.c = c
	return h
}

func withLimits(l Limits) func(*Options) {
	return func(o *Options) { o.Limits = l }
}

// establish walks the coordinator through an outgoing session with remote
// and returns the open channel.
func (h *harness) establish(t *testing.T, remote string) (*fakePC, *fakeDC) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.c.InitiateConnection(ctx, remote))
	h.c.HandleSignal(ctx, signaling.BuildConnectionAccepted(remote, h.c.LocalID()))

	pc := h.factory.last()
	require.NotNil(t, pc, "peer connection was not created")
	h.c.HandleSignal(ctx, signaling.BuildAnswer(remote, h.c.LocalID(), fakeAnswer))

	pc.state.fire(webrtc.PeerConnectionStateConnected)
	dc := pc.channel(0)
	require.NotNil(t, dc, "data channel was not created")
	dc.setOpen()

	require.True(t, h.c.IsConnected())
	return pc, dc
}

// acceptFrom queues a request from remote and accepts it.
func (h *harness) acceptFrom(t *testing.T, remote string) {
	t.Helper()
	ctx := context.Background()

	h.c.HandleSignal(ctx, signaling.BuildConnectionRequest(remote, "", h.c.LocalID()))
	require.NoError(t, h.c.AcceptConnectionRequest(ctx, remote))
}
