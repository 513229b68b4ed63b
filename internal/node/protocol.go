package node

import (
	"encoding/json"
	"fmt"
)

const dataChannelLabel = "fileTransfer"

type ControlType string

const (
	ControlFileInfo          ControlType = "file-info"
	ControlFileComplete      ControlType = "file-complete"
	ControlTransferCancelled ControlType = "transfer-cancelled"
)

type FileInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// ControlMessage is a JSON text frame on the data channel. File bytes travel
// as binary frames in between.
type ControlMessage struct {
	Type     ControlType `json:"type"`
	FileInfo *FileInfo   `json:"fileInfo,omitempty"`
}

func BuildFileInfoMessage(name, mimeType string, size int64) ControlMessage {
	return ControlMessage{
		Type:     ControlFileInfo,
		FileInfo: &FileInfo{Name: name, Type: mimeType, Size: size},
	}
}

func BuildFileCompleteMessage() ControlMessage {
	return ControlMessage{Type: ControlFileComplete}
}

func BuildTransferCancelledMessage() ControlMessage {
	return ControlMessage{Type: ControlTransferCancelled}
}

func (m ControlMessage) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}

	switch m.Type {
	case ControlFileInfo:
		if m.FileInfo == nil {
			return ControlMessage{}, fmt.Errorf("file-info without fileInfo")
		}
		if m.FileInfo.Size < 0 {
			return ControlMessage{}, fmt.Errorf("file-info with negative size %d", m.FileInfo.Size)
		}
	case ControlFileComplete, ControlTransferCancelled:
	default:
		return ControlMessage{}, fmt.Errorf("unknown control message type %q", m.Type)
	}
	return m, nil
}
