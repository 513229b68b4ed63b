// Package node coordinates one peer-to-peer file transfer session: the
// request/accept handshake over the signaling relay, data channel negotiation,
// and chunked file transfer with flow control.
package node

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/blob"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/signaling"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChunkSize     = 256 * 1024
	DefaultHighWaterMark = 14 * 1024 * 1024
	DefaultLowWaterMark  = 10 * 1024 * 1024
	DefaultMaxFileSize   = 400 * 1024 * 1024

	signalTimeout = 10 * time.Second
)

// Relay is the signaling channel to other peers.
type Relay interface {
	Send(ctx context.Context, msg signaling.Message) error
	IsOpen() bool
}

type TransferRepository interface {
	CreateTransfer(ctx context.Context, t *store.Transfer) error
}

// Limits bound chunking and buffering on the data channel.
type Limits struct {
	ChunkSize     int
	HighWaterMark uint64
	LowWaterMark  uint64
	MaxFileSize   int64
}

func DefaultLimits() Limits {
	return Limits{
		ChunkSize:     DefaultChunkSize,
		HighWaterMark: DefaultHighWaterMark,
		LowWaterMark:  DefaultLowWaterMark,
		MaxFileSize:   DefaultMaxFileSize,
	}
}

type Options struct {
	LocalID     string
	DisplayName string

	Relay   Relay
	Factory transport.Factory

	Observer  Observer
	Blobs     *blob.Store
	Transfers TransferRepository
	Logger    *logrus.Logger

	// Zero fields take the defaults.
	Limits Limits

	// Zero disables the corresponding timer.
	RequestTimeout     time.Duration
	NegotiationTimeout time.Duration
}

type Coordinator struct {
	localID     string
	displayName string

	relay     Relay
	factory   transport.Factory
	observer  Observer
	blobs     *blob.Store
	transfers TransferRepository
	logger    *logrus.Logger
	events    *dispatcher

	limits             Limits
	requestTimeout     time.Duration
	negotiationTimeout time.Duration

	// negMu serializes signaling handlers so that candidate buffering and
	// remote description changes never interleave. It is never taken from
	// transport callbacks.
	negMu sync.Mutex

	// lowCh carries buffered-amount-low events to the send loop.
	lowCh chan struct{}

	mu                sync.Mutex
	closed            bool
	state             ConnState
	remoteID          string
	initiator         bool
	sessionGen        uint64
	requests          []ConnectionRequest
	pc                transport.PeerConnection
	pcSubs            releaser
	dc                transport.DataChannel
	dcSubs            releaser
	channelOpen       bool
	pendingCandidates []webrtc.ICECandidateInit
	requestTimer      *time.Timer
	negotiationTimer  *time.Timer

	selected *File
	outbound *outboundJob
	outgoing TransferStatus
	assembly *assembly
	incoming TransferStatus
	received *ReceivedFile
}

func New(opts Options) (*Coordinator, error) {
	if strings.TrimSpace(opts.LocalID) == "" {
		return nil, errors.New("local peer id is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("peer connection factory is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	blobs := opts.Blobs
	if blobs == nil {
		blobs = blob.NewStore()
	}

	limits := opts.Limits
	defaults := DefaultLimits()
	if limits.ChunkSize <= 0 {
		limits.ChunkSize = defaults.ChunkSize
	}
	if limits.HighWaterMark == 0 {
		limits.HighWaterMark = defaults.HighWaterMark
	}
	if limits.LowWaterMark == 0 {
		limits.LowWaterMark = defaults.LowWaterMark
	}
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = defaults.MaxFileSize
	}
	if limits.LowWaterMark >= limits.HighWaterMark {
		return nil, errors.New("low water mark must be below the high water mark")
	}

	return &Coordinator{
		localID:            opts.LocalID,
		displayName:        opts.DisplayName,
		relay:              opts.Relay,
		factory:            opts.Factory,
		observer:           observer,
		blobs:              blobs,
		transfers:          opts.Transfers,
		logger:             log,
		events:             newDispatcher(),
		limits:             limits,
		requestTimeout:     opts.RequestTimeout,
		negotiationTimeout: opts.NegotiationTimeout,
		lowCh:              make(chan struct{}, 1),
	}, nil
}

func (c *Coordinator) LocalID() string {
	return c.localID
}

func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// IsConnected reports whether the peer connection is up and the data channel
// is open.
func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.channelOpen
}

func (c *Coordinator) PendingRequests() []ConnectionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConnectionRequest(nil), c.requests...)
}

func (c *Coordinator) Outgoing() TransferStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoing
}

func (c *Coordinator) Incoming() TransferStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming
}

// ReceivedFile returns the last completed incoming file, if any.
func (c *Coordinator) ReceivedFile() (ReceivedFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.received == nil {
		return ReceivedFile{}, false
	}
	return *c.received, true
}

// Listen feeds relay messages to HandleSignal until ctx ends or msgs closes.
func (c *Coordinator) Listen(ctx context.Context, msgs <-chan signaling.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("Relay message stream closed")
				return
			}
			c.HandleSignal(ctx, msg)
		}
	}
}

// HandleSignal processes one relay message. Messages for other peers are
// ignored. Failures are logged and surfaced as notices.
func (c *Coordinator) HandleSignal(ctx context.Context, msg signaling.Message) {
	if !msg.AddressedTo(c.localID) {
		c.logger.Debugf("Ignoring %s addressed to %q", msg.Type, msg.Receiver)
		return
	}

	c.negMu.Lock()
	defer c.negMu.Unlock()

	var err error
	switch msg.Type {
	case signaling.TypeConnectionRequest:
		c.handleConnectionRequest(msg)
	case signaling.TypeConnectionAccepted:
		err = c.handleConnectionAccepted(ctx, msg)
	case signaling.TypeConnectionRejected:
		c.handleConnectionRejected(msg)
	case signaling.TypeOffer:
		err = c.handleOffer(ctx, msg)
	case signaling.TypeAnswer:
		err = c.handleAnswer(msg)
	case signaling.TypeCandidate:
		err = c.handleCandidate(msg)
	default:
		c.logger.Warnf("Unknown signaling message type %q", msg.Type)
	}

	if err != nil {
		c.logger.Warnf("Failed to handle %s from %s: %v", msg.Type, msg.Sender, err)
	}
}

// Close tears the session down: handlers are released, the data channel and
// peer connection are closed, and the received file URL is revoked.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopRequestTimerLocked()
	closePrimitive := c.detachLocked(ErrClosed)
	received := c.received
	c.received = nil
	c.assembly = nil
	c.requests = nil
	c.mu.Unlock()

	closePrimitive()
	if received != nil {
		c.blobs.Revoke(received.URL)
	}
	c.events.close()
	return nil
}

// detachLocked ends the current primitive: subscriptions are released, an
// outbound transfer is stopped with cause, and the returned func closes the
// channel and connection outside the lock.
func (c *Coordinator) detachLocked(cause error) func() {
	c.sessionGen++
	c.stopNegotiationTimerLocked()

	if c.outbound != nil {
		c.outbound.stop(cause)
	}

	c.dcSubs.release()
	c.pcSubs.release()

	dc, pc := c.dc, c.pc
	c.dc, c.pc = nil, nil
	c.channelOpen = false
	c.pendingCandidates = nil

	return func() {
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	}
}

// failSession releases the primitive and marks the session failed.
func (c *Coordinator) failSession(message string, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	closePrimitive := c.detachLocked(ErrChannelClosed)
	c.stopRequestTimerLocked()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	closePrimitive()
	c.notifyError(message, err)
}

func (c *Coordinator) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.logger.Debugf("Session state %s -> %s", c.state, s)
	c.state = s
	c.events.post(func() { c.observer.StateChanged(s) })
}

func (c *Coordinator) notify(level NoticeLevel, message string) {
	c.logger.Info(message)
	c.events.post(func() { c.observer.Notice(Notice{Level: level, Message: message}) })
}

func (c *Coordinator) notifyError(message string, err error) {
	c.logger.Warnf("%s: %v", message, err)
	c.events.post(func() { c.observer.Notice(Notice{Level: NoticeError, Message: message, Err: err}) })
}

func (c *Coordinator) reportProgress(p Progress) {
	c.events.post(func() { c.observer.Progress(p) })
}

func (c *Coordinator) sendSignal(msg signaling.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	return c.relay.Send(ctx, msg)
}

func (c *Coordinator) recordTransfer(t store.Transfer) {
	if c.transfers == nil {
		return
	}
	if err := c.transfers.CreateTransfer(context.Background(), &t); err != nil {
		c.logger.Warnf("Failed to record transfer of %s: %v", t.FileName, err)
	}
}
