package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

// handlerSlot holds the current subscriber of one pion callback. pion only
// keeps a single handler per event, so the slot is registered once and the
// subscriber is swapped in and out behind it.
type handlerSlot[T any] struct {
	mu  sync.Mutex
	gen uint64
	fn  func(T)
}

func (s *handlerSlot[T]) set(fn func(T)) transport.Unsubscribe {
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

func (s *handlerSlot[T]) call(v T) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

type peerConnection struct {
	pc         *webrtc.PeerConnection
	readBuffer int

	candidate   handlerSlot[webrtc.ICECandidateInit]
	state       handlerSlot[webrtc.PeerConnectionState]
	dataChannel handlerSlot[transport.DataChannel]
}

func newPeerConnection(pc *webrtc.PeerConnection, readBuffer int) *peerConnection {
	p := &peerConnection{pc: pc, readBuffer: readBuffer}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.candidate.call(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.state.call(s)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.dataChannel.call(newDataChannel(dc, p.readBuffer))
	})

	return p
}

func (p *peerConnection) CreateDataChannel(label string) (transport.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, DefaultDataChannelConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	return newDataChannel(dc, p.readBuffer), nil
}

func (p *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *peerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) transport.Unsubscribe {
	return p.candidate.set(fn)
}

func (p *peerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) transport.Unsubscribe {
	return p.state.set(fn)
}

func (p *peerConnection) OnDataChannel(fn func(transport.DataChannel)) transport.Unsubscribe {
	return p.dataChannel.set(fn)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

// dataChannel reads its detached pion channel on its own goroutine. pion
// does not report the end of a detached channel, so the read loop tracks it.
type dataChannel struct {
	dc         *webrtc.DataChannel
	readBuffer int

	ended     atomic.Bool
	closeOnce sync.Once

	open    handlerSlot[struct{}]
	closed  handlerSlot[struct{}]
	message handlerSlot[webrtc.DataChannelMessage]
	low     handlerSlot[struct{}]
}

func newDataChannel(dc *webrtc.DataChannel, readBuffer int) *dataChannel {
	d := &dataChannel{dc: dc, readBuffer: readBuffer}

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			d.end()
			return
		}
		go d.readLoop(raw)
		d.open.call(struct{}{})
	})
	dc.OnClose(d.end)
	dc.OnBufferedAmountLow(func() { d.low.call(struct{}{}) })

	return d
}

func (d *dataChannel) readLoop(raw datachannel.ReadWriteCloser) {
	defer d.end()

	buf := make([]byte, d.readBuffer)
	for {
		n, isString, err := raw.ReadDataChannel(buf)
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				_ = raw.Close()
			}
			return
		}

		msg := webrtc.DataChannelMessage{IsString: isString, Data: make([]byte, n)}
		copy(msg.Data, buf[:n])
		d.message.call(msg)
	}
}

// end marks the channel closed and fires the close handler once.
func (d *dataChannel) end() {
	d.closeOnce.Do(func() {
		d.ended.Store(true)
		d.closed.call(struct{}{})
	})
}

func (d *dataChannel) Label() string {
	return d.dc.Label()
}

func (d *dataChannel) ReadyState() webrtc.DataChannelState {
	if d.ended.Load() {
		return webrtc.DataChannelStateClosed
	}
	return d.dc.ReadyState()
}

// Send writes data as binary messages of at most maxFrameSize bytes. The
// receiver reassembles by byte count, so the split is invisible to it.
func (d *dataChannel) Send(data []byte) error {
	if d.ended.Load() {
		return io.ErrClosedPipe
	}
	for len(data) > maxFrameSize {
		if err := d.dc.Send(data[:maxFrameSize]); err != nil {
			return err
		}
		data = data[maxFrameSize:]
	}
	return d.dc.Send(data)
}

func (d *dataChannel) SendText(text string) error {
	if d.ended.Load() {
		return io.ErrClosedPipe
	}
	return d.dc.SendText(text)
}

func (d *dataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *dataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

func (d *dataChannel) OnOpen(fn func()) transport.Unsubscribe {
	return d.open.set(func(struct{}) { fn() })
}

func (d *dataChannel) OnClose(fn func()) transport.Unsubscribe {
	return d.closed.set(func(struct{}) { fn() })
}

func (d *dataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) transport.Unsubscribe {
	return d.message.set(fn)
}

func (d *dataChannel) OnBufferedAmountLow(fn func()) transport.Unsubscribe {
	return d.low.set(func(struct{}) { fn() })
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}
