package node

import (
	"sync"
)

// ConnState is the signaling lifecycle of a session.
type ConnState int

const (
	StateIdle ConnState = iota
	StateRequesting
	StateAwaitingAcceptance
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAwaitingAcceptance:
		return "awaiting-acceptance"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether a session is in progress and a new one must not
// replace it.
func (s ConnState) active() bool {
	switch s {
	case StateRequesting, StateAwaitingAcceptance, StateNegotiating, StateConnected:
		return true
	}
	return false
}

type TransferState int

const (
	TransferIdle TransferState = iota
	TransferActive
	TransferComplete
	TransferCancelled
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "idle"
	case TransferActive:
		return "active"
	case TransferComplete:
		return "complete"
	case TransferCancelled:
		return "cancelled"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// TransferStatus describes one direction of file traffic.
type TransferStatus struct {
	State    TransferState
	FileName string
	Bytes    int64
	Total    int64
	Progress int
}

type Progress struct {
	Direction Direction
	FileName  string
	Bytes     int64
	Total     int64
	Percent   int
}

type ConnectionRequest struct {
	Sender     string
	SenderName string
	Receiver   string
}

// Name is the sender's display name, falling back to its id.
func (r ConnectionRequest) Name() string {
	if r.SenderName != "" {
		return r.SenderName
	}
	return r.Sender
}

type ReceivedFile struct {
	Name string
	Type string
	Size int64
	URL  string
}

type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeSuccess
	NoticeError
	NoticeRequest
)

// Notice is a user-facing message. Request is set for NoticeRequest.
type Notice struct {
	Level   NoticeLevel
	Message string
	Err     error
	Request *ConnectionRequest
}

// Observer receives coordinator events on a single goroutine, in the order
// they were emitted. Observers may call back into the coordinator but must
// not call Close.
type Observer interface {
	Notice(n Notice)
	StateChanged(s ConnState)
	Progress(p Progress)
	FileReceived(f ReceivedFile)
}

type NopObserver struct{}

func (NopObserver) Notice(Notice)             {}
func (NopObserver) StateChanged(ConnState)    {}
func (NopObserver) Progress(Progress)         {}
func (NopObserver) FileReceived(ReceivedFile) {}

// dispatcher runs posted callbacks one at a time on its own goroutine.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		queue := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		if len(queue) == 0 {
			if closed {
				return
			}
			<-d.wake
			continue
		}

		for _, fn := range queue {
			fn()
		}
	}
}

// close delivers what is already queued and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

// releaser collects unsubscribe functions and runs them newest first.
type releaser struct {
	fns []func()
}

func (r *releaser) add(fns ...func()) {
	r.fns = append(r.fns, fns...)
}

func (r *releaser) release() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
	r.fns = nil
}
