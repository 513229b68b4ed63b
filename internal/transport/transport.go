// Package transport describes the peer-connection primitive the coordinator
// drives. Implementations live in subpackages.
package transport

import (
	"github.com/pion/webrtc/v3"
)

// Unsubscribe detaches a handler registered with one of the On* methods.
// Calling it more than once is harmless.
type Unsubscribe func()

// Factory creates a fresh peer connection per session.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}

type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate fires for every gathered local candidate. The end of
	// gathering is not reported.
	OnICECandidate(fn func(webrtc.ICECandidateInit)) Unsubscribe
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) Unsubscribe
	OnDataChannel(fn func(DataChannel)) Unsubscribe

	Close() error
}

type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState

	Send(data []byte) error
	SendText(text string) error

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)

	OnOpen(fn func()) Unsubscribe
	OnClose(fn func()) Unsubscribe
	OnMessage(fn func(webrtc.DataChannelMessage)) Unsubscribe
	OnBufferedAmountLow(fn func()) Unsubscribe

	Close() error
}
