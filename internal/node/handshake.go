package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/signaling"
)

// InitiateConnection asks remoteID for a session. The offer is only created
// once the peer accepts.
func (c *Coordinator) InitiateConnection(ctx context.Context, remoteID string) error {
	if !c.relay.IsOpen() {
		c.notifyError("No connection to the signaling server", ErrNoRelay)
		return ErrNoRelay
	}

	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		c.notifyError("Enter the id of the peer to connect to", ErrEmptyPeerID)
		return ErrEmptyPeerID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.active() {
		state := c.state
		c.mu.Unlock()
		err := fmt.Errorf("%w (%s)", ErrSessionActive, state)
		c.notifyError("Finish the current session first", err)
		return err
	}
	closePrimitive := c.detachLocked(ErrChannelClosed)
	c.remoteID = remoteID
	c.initiator = true
	c.setStateLocked(StateRequesting)
	gen := c.sessionGen
	c.mu.Unlock()
	closePrimitive()

	c.logger.Infof("Requesting a connection with %s", remoteID)
	if err := c.relay.Send(ctx, signaling.BuildConnectionRequest(c.localID, c.displayName, remoteID)); err != nil {
		c.mu.Lock()
		if c.sessionGen == gen && c.state == StateRequesting {
			c.setStateLocked(StateFailed)
		}
		c.mu.Unlock()
		c.notifyError("Failed to send the connection request", err)
		return fmt.Errorf("send connection request: %w", err)
	}

	c.mu.Lock()
	if c.sessionGen == gen && c.state == StateRequesting {
		c.setStateLocked(StateAwaitingAcceptance)
		c.armRequestTimerLocked()
	}
	c.mu.Unlock()

	c.notify(NoticeInfo, fmt.Sprintf("Connection request sent to %s", remoteID))
	return nil
}

// AcceptConnectionRequest answers a pending request from remoteID. The
// requester creates the offer; this side only waits for it.
func (c *Coordinator) AcceptConnectionRequest(ctx context.Context, remoteID string) error {
	if !c.relay.IsOpen() {
		c.notifyError("No connection to the signaling server", ErrNoRelay)
		return ErrNoRelay
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.indexOfRequestLocked(remoteID) < 0 {
		c.mu.Unlock()
		err := fmt.Errorf("%w %q", ErrUnknownRequest, remoteID)
		c.notifyError("That connection request is no longer pending", err)
		return err
	}
	if c.state.active() {
		state := c.state
		c.mu.Unlock()
		err := fmt.Errorf("%w (%s)", ErrSessionActive, state)
		c.notifyError("Finish the current session first", err)
		return err
	}
	closePrimitive := c.detachLocked(ErrChannelClosed)
	c.removeRequestLocked(remoteID)
	c.remoteID = remoteID
	c.initiator = false
	c.setStateLocked(StateNegotiating)
	c.armNegotiationTimerLocked()
	c.mu.Unlock()
	closePrimitive()

	if err := c.relay.Send(ctx, signaling.BuildConnectionAccepted(c.localID, remoteID)); err != nil {
		c.failSession("Failed to accept the connection request", err)
		return fmt.Errorf("send connection-accepted: %w", err)
	}

	c.notify(NoticeSuccess, fmt.Sprintf("Accepted connection request from %s", remoteID))
	return nil
}

func (c *Coordinator) RejectConnectionRequest(ctx context.Context, remoteID string) error {
	if !c.relay.IsOpen() {
		c.notifyError("No connection to the signaling server", ErrNoRelay)
		return ErrNoRelay
	}

	c.mu.Lock()
	if c.indexOfRequestLocked(remoteID) < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownRequest, remoteID)
	}
	c.removeRequestLocked(remoteID)
	c.mu.Unlock()

	if err := c.relay.Send(ctx, signaling.BuildConnectionRejected(c.localID, remoteID)); err != nil {
		c.notifyError("Failed to reject the connection request", err)
		return fmt.Errorf("send connection-rejected: %w", err)
	}

	c.notify(NoticeInfo, fmt.Sprintf("Rejected connection request from %s", remoteID))
	return nil
}

// handleConnectionRequest queues an inbound request. A repeated request from
// the same sender replaces the earlier one and moves to the back.
func (c *Coordinator) handleConnectionRequest(msg signaling.Message) {
	req := ConnectionRequest{
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Receiver:   msg.Receiver,
	}
	if req.Sender == "" {
		c.logger.Warn("Ignoring connection request without a sender")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.removeRequestLocked(req.Sender)
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	c.logger.Infof("Connection request from %s", req.Name())
	c.events.post(func() {
		c.observer.Notice(Notice{
			Level:   NoticeRequest,
			Message: fmt.Sprintf("%s wants to connect", req.Name()),
			Request: &req,
		})
	})
}

func (c *Coordinator) handleConnectionAccepted(ctx context.Context, msg signaling.Message) error {
	c.mu.Lock()
	waiting := c.state == StateRequesting || c.state == StateAwaitingAcceptance
	if !waiting || !c.initiator || msg.Sender != c.remoteID {
		state := c.state
		c.mu.Unlock()
		c.logger.Debugf("Ignoring connection-accepted from %s in state %s", msg.Sender, state)
		return nil
	}
	c.stopRequestTimerLocked()
	c.setStateLocked(StateNegotiating)
	c.armNegotiationTimerLocked()
	c.mu.Unlock()

	c.notify(NoticeSuccess, fmt.Sprintf("%s accepted the connection request", msg.Sender))

	if err := c.createOffer(ctx); err != nil {
		c.failSession("Failed to start the connection", err)
		return err
	}
	return nil
}

func (c *Coordinator) handleConnectionRejected(msg signaling.Message) {
	c.mu.Lock()
	waiting := c.state == StateRequesting || c.state == StateAwaitingAcceptance
	if !waiting || msg.Sender != c.remoteID {
		c.mu.Unlock()
		c.logger.Debugf("Ignoring connection-rejected from %s", msg.Sender)
		return
	}
	c.stopRequestTimerLocked()
	c.remoteID = ""
	c.initiator = false
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.notifyError(fmt.Sprintf("%s rejected the connection request", msg.Sender), fmt.Errorf("rejected by %s", msg.Sender))
}

func (c *Coordinator) indexOfRequestLocked(sender string) int {
	for i, r := range c.requests {
		if r.Sender == sender {
			return i
		}
	}
	return -1
}

func (c *Coordinator) removeRequestLocked(sender string) {
	if i := c.indexOfRequestLocked(sender); i >= 0 {
		c.requests = append(c.requests[:i], c.requests[i+1:]...)
	}
}

func (c *Coordinator) armRequestTimerLocked() {
	c.stopRequestTimerLocked()
	if c.requestTimeout <= 0 {
		return
	}
	gen := c.sessionGen
	c.requestTimer = time.AfterFunc(c.requestTimeout, func() { c.expireRequest(gen) })
}

func (c *Coordinator) stopRequestTimerLocked() {
	if c.requestTimer != nil {
		c.requestTimer.Stop()
		c.requestTimer = nil
	}
}

func (c *Coordinator) expireRequest(gen uint64) {
	c.mu.Lock()
	if c.closed || c.sessionGen != gen || c.state != StateAwaitingAcceptance {
		c.mu.Unlock()
		return
	}
	c.requestTimer = nil
	remote := c.remoteID
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.notifyError(fmt.Sprintf("%s did not answer the connection request", remote), ErrRequestTimedOut)
}

func (c *Coordinator) armNegotiationTimerLocked() {
	c.stopNegotiationTimerLocked()
	if c.negotiationTimeout <= 0 {
		return
	}
	gen := c.sessionGen
	c.negotiationTimer = time.AfterFunc(c.negotiationTimeout, func() { c.expireNegotiation(gen) })
}

func (c *Coordinator) stopNegotiationTimerLocked() {
	if c.negotiationTimer != nil {
		c.negotiationTimer.Stop()
		c.negotiationTimer = nil
	}
}

func (c *Coordinator) expireNegotiation(gen uint64) {
	c.mu.Lock()
	if c.closed || c.sessionGen != gen || c.state != StateNegotiating {
		c.mu.Unlock()
		return
	}
	c.negotiationTimer = nil
	closePrimitive := c.detachLocked(ErrChannelClosed)
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	closePrimitive()
	c.notifyError("Could not establish a connection in time", ErrNegotiationTimedOut)
}
