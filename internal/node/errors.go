package node

import "errors"

var (
	ErrNoRelay             = errors.New("no connection to the signaling relay")
	ErrEmptyPeerID         = errors.New("peer id is empty")
	ErrSessionActive       = errors.New("a session is already in progress")
	ErrUnknownRequest      = errors.New("no pending connection request from peer")
	ErrNoFileSelected      = errors.New("no file selected")
	ErrFileTooLarge        = errors.New("file exceeds the size limit")
	ErrNotEstablished      = errors.New("data channel is not open")
	ErrTransferInProgress  = errors.New("a transfer is already in progress")
	ErrTransferCancelled   = errors.New("transfer cancelled")
	ErrChannelClosed       = errors.New("data channel closed")
	ErrReadFailed          = errors.New("failed to read file")
	ErrTransferOverrun     = errors.New("peer sent more data than announced")
	ErrRequestTimedOut     = errors.New("connection request timed out")
	ErrNegotiationTimedOut = errors.New("connection negotiation timed out")
	ErrClosed              = errors.New("coordinator closed")
)
