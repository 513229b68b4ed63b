// Package signaling defines the JSON messages peers exchange through the relay
// to set up a data channel.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	TypeConnectionRequest  MessageType = "connection-request"
	TypeConnectionAccepted MessageType = "connection-accepted"
	TypeConnectionRejected MessageType = "connection-rejected"
	TypeOffer              MessageType = "offer"
	TypeAnswer             MessageType = "answer"
	TypeCandidate          MessageType = "candidate"
)

// Message is the envelope of every relay frame. Only the field matching Type
// is populated.
type Message struct {
	Type       MessageType `json:"type"`
	Sender     string      `json:"sender"`
	SenderName string      `json:"senderName,omitempty"`
	Receiver   string      `json:"receiver"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// AddressedTo reports whether the message targets the given peer.
func (m Message) AddressedTo(peerID string) bool {
	return m.Receiver != "" && m.Receiver == peerID
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a relay frame and checks that the payload required by its
// type is present.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}

	switch m.Type {
	case TypeConnectionRequest, TypeConnectionAccepted, TypeConnectionRejected:
	case TypeOffer:
		if m.Offer == nil {
			return Message{}, fmt.Errorf("offer message without offer")
		}
	case TypeAnswer:
		if m.Answer == nil {
			return Message{}, fmt.Errorf("answer message without answer")
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return Message{}, fmt.Errorf("candidate message without candidate")
		}
	default:
		return Message{}, fmt.Errorf("unknown signaling message type %q", m.Type)
	}
	return m, nil
}

func BuildConnectionRequest(sender, senderName, receiver string) Message {
	return Message{
		Type:       TypeConnectionRequest,
		Sender:     sender,
		SenderName: senderName,
		Receiver:   receiver,
	}
}

func BuildConnectionAccepted(sender, receiver string) Message {
	return Message{Type: TypeConnectionAccepted, Sender: sender, Receiver: receiver}
}

func BuildConnectionRejected(sender, receiver string) Message {
	return Message{Type: TypeConnectionRejected, Sender: sender, Receiver: receiver}
}

func BuildOffer(sender, receiver string, offer webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, Sender: sender, Receiver: receiver, Offer: &offer}
}

func BuildAnswer(sender, receiver string, answer webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, Sender: sender, Receiver: receiver, Answer: &answer}
}

func BuildCandidate(sender, receiver string, candidate webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, Sender: sender, Receiver: receiver, Candidate: &candidate}
}
