// Package webrtc implements the transport primitives on top of pion.
package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const (
	// DefaultReadBufferSize fits the largest message browsers send on a data
	// channel.
	DefaultReadBufferSize = 256 * 1024

	// maxFrameSize is the largest message pion's SCTP association sends.
	maxFrameSize = 64 * 1024
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// DefaultSTUNServers returns a copy of the public STUN servers used when none
// are configured.
func DefaultSTUNServers() []string {
	return append([]string(nil), defaultSTUNServers...)
}

func DefaultSTUNConfig() webrtc.Configuration {
	return STUNConfig(defaultSTUNServers)
}

// STUNConfig builds a configuration with one ICE server group. An empty list
// leaves the connection with host candidates only.
func STUNConfig(servers []string) webrtc.Configuration {
	config := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: append([]string(nil), servers...)},
		}
	}
	return config
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := "file-transfer"
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}

// Factory creates pion peer connections sharing one configuration. Data
// channels are detached so that messages larger than pion's 64 KiB read
// buffer can be received.
type Factory struct {
	config     webrtc.Configuration
	api        *webrtc.API
	readBuffer int
}

// NewFactory returns a factory whose data channels accept messages of up to
// maxMessageSize bytes, never less than DefaultReadBufferSize.
func NewFactory(config webrtc.Configuration, maxMessageSize int) *Factory {
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()

	return &Factory{
		config:     config,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		readBuffer: max(maxMessageSize, DefaultReadBufferSize),
	}
}

func (f *Factory) NewPeerConnection() (transport.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerConnection(pc, f.readBuffer), nil
}
