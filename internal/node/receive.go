package node

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

// assembly collects the chunks of the file being received. The checksum is
// fed as chunks arrive.
type assembly struct {
	info     FileInfo
	chunks   [][]byte
	received int64
	checksum hash.Hash
}

func (c *Coordinator) handleDataChannelMessage(dc transport.DataChannel, msg webrtc.DataChannelMessage) {
	c.mu.Lock()
	current := c.dc == dc
	c.mu.Unlock()
	if !current {
		return
	}

	if !msg.IsString {
		c.handleChunk(msg.Data)
		return
	}

	control, err := DecodeControlMessage(msg.Data)
	if err != nil {
		c.logger.Warnf("Ignoring data channel message: %v", err)
		return
	}

	switch control.Type {
	case ControlFileInfo:
		c.handleFileInfo(*control.FileInfo)
	case ControlFileComplete:
		c.handleFileComplete()
	case ControlTransferCancelled:
		c.handleTransferCancelled()
	}
}

func (c *Coordinator) handleFileInfo(info FileInfo) {
	c.mu.Lock()
	if c.assembly != nil {
		c.logger.Warnf("Discarding partial %s, %s is starting", c.assembly.info.Name, info.Name)
	}
	if info.Size > c.limits.MaxFileSize {
		c.assembly = nil
		c.incoming = TransferStatus{State: TransferFailed, FileName: info.Name, Total: info.Size}
		dc := c.dc
		c.mu.Unlock()

		err := fmt.Errorf("%w: %s is %s", ErrFileTooLarge, info.Name, humanize.IBytes(uint64(info.Size)))
		c.notifyError(fmt.Sprintf("Refusing %s, files larger than %s cannot be received",
			info.Name, humanize.IBytes(uint64(c.limits.MaxFileSize))), err)
		c.sendTransferCancelled(dc)
		return
	}
	c.assembly = &assembly{info: info, checksum: sha256.New()}
	c.incoming = TransferStatus{State: TransferActive, FileName: info.Name, Total: info.Size}
	c.mu.Unlock()

	c.notify(NoticeInfo, fmt.Sprintf("Receiving %s", info.Name))
	c.reportProgress(Progress{Direction: Incoming, FileName: info.Name, Total: info.Size})
}

func (c *Coordinator) handleChunk(data []byte) {
	c.mu.Lock()
	a := c.assembly
	if a == nil {
		c.mu.Unlock()
		c.logger.Debugf("Ignoring %d byte chunk outside a transfer", len(data))
		return
	}

	if a.received+int64(len(data)) > a.info.Size {
		c.assembly = nil
		c.incoming = TransferStatus{State: TransferFailed, FileName: a.info.Name, Total: a.info.Size}
		dc, remote := c.dc, c.remoteID
		c.mu.Unlock()

		err := fmt.Errorf("%w: %s announced %d bytes", ErrTransferOverrun, a.info.Name, a.info.Size)
		c.notifyError(fmt.Sprintf("Dropped %s, the sender went past its size", a.info.Name), err)
		c.reportProgress(Progress{Direction: Incoming, FileName: a.info.Name, Total: a.info.Size})
		c.recordTransfer(store.Transfer{
			Direction: store.DirectionReceived,
			PeerID:    remote,
			FileName:  a.info.Name,
			MimeType:  a.info.Type,
			Size:      a.info.Size,
			Status:    store.StatusFailed,
		})
		c.sendTransferCancelled(dc)
		return
	}

	chunk := append([]byte(nil), data...)
	a.chunks = append(a.chunks, chunk)
	a.checksum.Write(chunk)
	a.received += int64(len(data))
	previous := c.incoming.Progress
	percent := ReceiveProgress(a.received, a.info.Size)
	c.incoming.Bytes = a.received
	c.incoming.Progress = percent
	c.mu.Unlock()

	if percent != previous {
		c.reportProgress(Progress{Direction: Incoming, FileName: a.info.Name, Bytes: a.received, Total: a.info.Size, Percent: percent})
	}
}

func (c *Coordinator) handleFileComplete() {
	c.mu.Lock()
	a := c.assembly
	c.assembly = nil
	c.mu.Unlock()
	if a == nil {
		c.logger.Warn("Ignoring file-complete without a transfer")
		return
	}

	b := c.blobs.Create(a.chunks, a.info.Type)
	a.chunks = nil
	file := ReceivedFile{Name: a.info.Name, Type: a.info.Type, Size: b.Size, URL: b.URL}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.blobs.Revoke(b.URL)
		return
	}
	previous := c.received
	c.received = &file
	c.incoming = TransferStatus{State: TransferComplete, FileName: file.Name, Bytes: b.Size, Total: a.info.Size, Progress: 100}
	remote := c.remoteID
	c.mu.Unlock()

	if previous != nil {
		c.blobs.Revoke(previous.URL)
	}
	if b.Size != a.info.Size {
		c.logger.Warnf("Received %d bytes of %s, expected %d", b.Size, file.Name, a.info.Size)
	}

	c.reportProgress(Progress{Direction: Incoming, FileName: file.Name, Bytes: b.Size, Total: a.info.Size, Percent: 100})
	c.events.post(func() { c.observer.FileReceived(file) })
	c.notify(NoticeSuccess, fmt.Sprintf("Received %s", file.Name))

	c.recordTransfer(store.Transfer{
		Direction: store.DirectionReceived,
		PeerID:    remote,
		FileName:  file.Name,
		MimeType:  file.Type,
		Size:      file.Size,
		Status:    store.StatusComplete,
		Checksum:  fmt.Sprintf("%x", a.checksum.Sum(nil)),
	})
}

// handleTransferCancelled handles the peer giving up: the partial file is
// dropped and our own outbound transfer, if any, stops too.
func (c *Coordinator) handleTransferCancelled() {
	c.mu.Lock()
	a := c.assembly
	c.assembly = nil
	if a != nil {
		c.incoming.State = TransferCancelled
		c.incoming.Bytes = 0
		c.incoming.Progress = 0
	}
	job := c.outbound
	remote := c.remoteID
	c.mu.Unlock()

	if job != nil {
		job.stop(ErrTransferCancelled)
	}

	if a != nil {
		c.reportProgress(Progress{Direction: Incoming, FileName: a.info.Name, Total: a.info.Size})
		c.recordTransfer(store.Transfer{
			Direction: store.DirectionReceived,
			PeerID:    remote,
			FileName:  a.info.Name,
			MimeType:  a.info.Type,
			Size:      a.info.Size,
			Status:    store.StatusCancelled,
		})
	}
	c.notify(NoticeInfo, fmt.Sprintf("%s cancelled the transfer", remote))
}
