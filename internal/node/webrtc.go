package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/signaling"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

var errStaleSession = errors.New("session ended while connecting")

// ensurePeerConnection returns the session's peer connection, creating it
// and subscribing its handlers on first use.
func (c *Coordinator) ensurePeerConnection() (transport.PeerConnection, uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, ErrClosed
	}
	if c.pc != nil {
		pc, gen := c.pc, c.sessionGen
		c.mu.Unlock()
		return pc, gen, nil
	}
	remote, gen := c.remoteID, c.sessionGen
	c.mu.Unlock()

	pc, err := c.factory.NewPeerConnection()
	if err != nil {
		return nil, 0, err
	}

	subs := []transport.Unsubscribe{
		pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
			c.sendCandidate(remote, candidate)
		}),
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			c.handleConnectionState(gen, s)
		}),
		pc.OnDataChannel(func(dc transport.DataChannel) {
			c.attachDataChannel(gen, dc)
		}),
	}

	c.mu.Lock()
	if c.closed || c.sessionGen != gen || c.pc != nil {
		c.mu.Unlock()
		for _, unsubscribe := range subs {
			unsubscribe()
		}
		_ = pc.Close()
		return nil, 0, errStaleSession
	}
	c.pc = pc
	for _, unsubscribe := range subs {
		c.pcSubs.add(unsubscribe)
	}
	c.mu.Unlock()

	c.logger.Debugf("Created peer connection for %s", remote)
	return pc, gen, nil
}

// attachDataChannel adopts dc as the session's channel. The initiator calls
// it for the channel it creates, the responder from OnDataChannel.
func (c *Coordinator) attachDataChannel(gen uint64, dc transport.DataChannel) {
	c.mu.Lock()
	if c.closed || c.sessionGen != gen {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}

	var previous transport.DataChannel
	if c.dc != nil && c.dc != dc {
		c.dcSubs.release()
		previous = c.dc
	}
	c.dc = dc
	c.channelOpen = false

	dc.SetBufferedAmountLowThreshold(c.limits.LowWaterMark)
	c.dcSubs.add(
		dc.OnOpen(func() { c.handleChannelOpen(dc) }),
		dc.OnClose(func() { c.handleChannelClose(dc) }),
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { c.handleDataChannelMessage(dc, msg) }),
		dc.OnBufferedAmountLow(c.signalBufferedAmountLow),
	)
	alreadyOpen := dc.ReadyState() == webrtc.DataChannelStateOpen
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	c.logger.Debugf("Data channel %q attached", dc.Label())
	if alreadyOpen {
		c.handleChannelOpen(dc)
	}
}

func (c *Coordinator) handleChannelOpen(dc transport.DataChannel) {
	c.mu.Lock()
	if c.dc != dc || c.channelOpen {
		c.mu.Unlock()
		return
	}
	c.channelOpen = true
	remote := c.remoteID
	c.mu.Unlock()

	c.notify(NoticeSuccess, fmt.Sprintf("Data channel to %s is open", remote))
}

func (c *Coordinator) handleChannelClose(dc transport.DataChannel) {
	c.mu.Lock()
	if c.dc != dc {
		c.mu.Unlock()
		return
	}
	c.channelOpen = false
	if c.outbound != nil {
		c.outbound.stop(ErrChannelClosed)
	}
	c.mu.Unlock()

	c.logger.Infof("Data channel %q closed", dc.Label())
}

func (c *Coordinator) signalBufferedAmountLow() {
	select {
	case c.lowCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) handleConnectionState(gen uint64, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.closed || c.sessionGen != gen {
		c.mu.Unlock()
		return
	}
	remote := c.remoteID
	c.logger.Debugf("Peer connection state has changed: %s", s)

	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.stopNegotiationTimerLocked()
		c.setStateLocked(StateConnected)
		c.mu.Unlock()
		c.notify(NoticeSuccess, fmt.Sprintf("Connected to %s", remote))
	case webrtc.PeerConnectionStateDisconnected:
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.notify(NoticeInfo, fmt.Sprintf("Peer %s disconnected", remote))
	case webrtc.PeerConnectionStateFailed:
		c.stopNegotiationTimerLocked()
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.notifyError(fmt.Sprintf("Connection to %s failed", remote), errors.New("peer connection failed"))
	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) sendCandidate(remote string, candidate webrtc.ICECandidateInit) {
	if err := c.sendSignal(signaling.BuildCandidate(c.localID, remote, candidate)); err != nil {
		c.logger.Warnf("Failed to send ICE candidate: %v", err)
	}
}

// createOffer runs on the initiator once its request was accepted.
func (c *Coordinator) createOffer(ctx context.Context) error {
	pc, gen, err := c.ensurePeerConnection()
	if err != nil {
		return err
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel)
	if err != nil {
		return err
	}
	c.attachDataChannel(gen, dc)

	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	remote := c.RemoteID()
	if err := c.relay.Send(ctx, signaling.BuildOffer(c.localID, remote, offer)); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	c.logger.Infof("Sent offer to %s", remote)
	return nil
}

// negotiatingWith reports whether sender is the peer of a session that is
// still exchanging descriptions or candidates.
func (c *Coordinator) negotiatingWith(sender string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remoteID == "" || sender != c.remoteID {
		return false
	}
	switch c.state {
	case StateNegotiating, StateConnected, StateDisconnected:
		return true
	}
	return false
}

func (c *Coordinator) handleOffer(ctx context.Context, msg signaling.Message) error {
	c.mu.Lock()
	initiator := c.initiator
	c.mu.Unlock()

	if initiator || !c.negotiatingWith(msg.Sender) {
		c.logger.Debugf("Ignoring offer from %s", msg.Sender)
		return nil
	}

	pc, _, err := c.ensurePeerConnection()
	if err != nil {
		return err
	}

	if state := pc.SignalingState(); state != webrtc.SignalingStateStable {
		c.logger.Warnf("Ignoring offer from %s in signaling state %s", msg.Sender, state)
		return nil
	}

	if err := pc.SetRemoteDescription(*msg.Offer); err != nil {
		c.failSession("Failed to apply the remote offer", err)
		return err
	}
	c.drainCandidates(pc)

	answer, err := pc.CreateAnswer()
	if err != nil {
		c.failSession("Failed to create an answer", err)
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.failSession("Failed to apply the local answer", err)
		return err
	}

	if err := c.relay.Send(ctx, signaling.BuildAnswer(c.localID, msg.Sender, answer)); err != nil {
		c.failSession("Failed to send the answer", err)
		return err
	}
	c.logger.Infof("Sent answer to %s", msg.Sender)
	return nil
}

func (c *Coordinator) handleAnswer(msg signaling.Message) error {
	if !c.negotiatingWith(msg.Sender) {
		c.logger.Debugf("Ignoring answer from %s", msg.Sender)
		return nil
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		c.logger.Warnf("Ignoring answer from %s without a peer connection", msg.Sender)
		return nil
	}

	if state := pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		c.logger.Warnf("Ignoring answer from %s in signaling state %s", msg.Sender, state)
		return nil
	}

	if err := pc.SetRemoteDescription(*msg.Answer); err != nil {
		c.failSession("Failed to apply the remote answer", err)
		return err
	}
	c.drainCandidates(pc)
	return nil
}

// handleCandidate applies a remote candidate, or queues it until a remote
// description is set.
func (c *Coordinator) handleCandidate(msg signaling.Message) error {
	if !c.negotiatingWith(msg.Sender) {
		c.logger.Debugf("Ignoring candidate from %s", msg.Sender)
		return nil
	}

	pc, _, err := c.ensurePeerConnection()
	if err != nil {
		return err
	}

	if pc.RemoteDescription() == nil {
		c.mu.Lock()
		c.pendingCandidates = append(c.pendingCandidates, *msg.Candidate)
		queued := len(c.pendingCandidates)
		c.mu.Unlock()
		c.logger.Debugf("Queued ICE candidate from %s (%d pending)", msg.Sender, queued)
		return nil
	}

	if err := pc.AddICECandidate(*msg.Candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// drainCandidates applies queued candidates in arrival order.
func (c *Coordinator) drainCandidates(pc transport.PeerConnection) {
	c.mu.Lock()
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			c.logger.Warnf("Failed to add queued ICE candidate: %v", err)
		}
	}
}
