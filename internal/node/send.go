package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

const drainPollInterval = 50 * time.Millisecond

// outboundJob is the file currently being streamed. mu is held for every
// frame written, so once stop returns no further frame of the job leaves.
type outboundJob struct {
	file   *File
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	stopped bool
	cause   error
}

func (j *outboundJob) stop(cause error) {
	j.mu.Lock()
	if !j.stopped {
		j.stopped = true
		j.cause = cause
	}
	j.mu.Unlock()
	j.cancel(cause)
}

func (j *outboundJob) send(write func() error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return j.cause
	}
	return write()
}

// SelectFile sets the file the next SendFile streams. Files above the size
// limit are refused and the previous selection is kept.
func (c *Coordinator) SelectFile(f *File) error {
	if f == nil {
		c.notifyError("No file selected", ErrNoFileSelected)
		return ErrNoFileSelected
	}

	if f.Size > c.limits.MaxFileSize {
		err := fmt.Errorf("%w: %s is %s", ErrFileTooLarge, f.Name, humanize.IBytes(uint64(f.Size)))
		c.notifyError(fmt.Sprintf("Files larger than %s cannot be sent", humanize.IBytes(uint64(c.limits.MaxFileSize))), err)
		return err
	}

	c.mu.Lock()
	if c.outbound != nil {
		c.mu.Unlock()
		c.notifyError("Wait for the current transfer to finish", ErrTransferInProgress)
		return ErrTransferInProgress
	}
	c.selected = f
	c.mu.Unlock()

	c.notify(NoticeInfo, fmt.Sprintf("Selected %s (%s)", f.Name, humanize.IBytes(uint64(f.Size))))
	return nil
}

// SendFile streams the selected file over the open data channel and blocks
// until it is complete, cancelled, or failed.
func (c *Coordinator) SendFile(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	file, dc := c.selected, c.dc
	if file == nil || dc == nil || !c.channelOpen || dc.ReadyState() != webrtc.DataChannelStateOpen {
		c.mu.Unlock()
		c.notifyError("Select a file and connect to a peer first", ErrNotEstablished)
		return ErrNotEstablished
	}
	if c.outbound != nil {
		c.mu.Unlock()
		c.notifyError("Wait for the current transfer to finish", ErrTransferInProgress)
		return ErrTransferInProgress
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	job := &outboundJob{file: file, cancel: cancel}
	c.outbound = job
	c.outgoing = TransferStatus{State: TransferActive, FileName: file.Name, Total: file.Size}
	remote := c.remoteID
	c.mu.Unlock()

	c.logger.Infof("Sending %s (%s, %d chunks) to %s", file.Name, humanize.IBytes(uint64(file.Size)),
		CalculateTotalChunks(file.Size, int64(c.limits.ChunkSize)), remote)
	c.reportProgress(Progress{Direction: Outgoing, FileName: file.Name, Total: file.Size})

	err := c.streamFile(ctx, job, dc)

	c.mu.Lock()
	if c.outbound == job {
		c.outbound = nil
	}
	if c.selected == file {
		c.selected = nil
	}
	status := store.StatusComplete
	switch {
	case err == nil:
		c.outgoing = TransferStatus{State: TransferComplete, FileName: file.Name, Bytes: file.Size, Total: file.Size, Progress: 100}
	case errors.Is(err, ErrTransferCancelled):
		status = store.StatusCancelled
		c.outgoing = TransferStatus{State: TransferCancelled, FileName: file.Name, Total: file.Size}
	default:
		status = store.StatusFailed
		c.outgoing.State = TransferFailed
	}
	final := c.outgoing
	c.mu.Unlock()

	c.recordTransfer(store.Transfer{
		Direction: store.DirectionSent,
		PeerID:    remote,
		FileName:  file.Name,
		MimeType:  file.Type,
		Size:      file.Size,
		Status:    status,
	})

	switch {
	case err == nil:
		c.reportProgress(Progress{Direction: Outgoing, FileName: file.Name, Bytes: file.Size, Total: file.Size, Percent: 100})
		c.notify(NoticeSuccess, fmt.Sprintf("Sent %s", file.Name))
		return nil
	case errors.Is(err, ErrTransferCancelled):
		c.reportProgress(Progress{Direction: Outgoing, FileName: file.Name, Total: file.Size})
		return err
	case errors.Is(err, ErrReadFailed):
		c.notifyError(fmt.Sprintf("Failed to read %s", file.Name), err)
	default:
		c.notifyError(fmt.Sprintf("Sending %s failed at %d%%", file.Name, final.Progress), err)
	}
	return err
}

func (c *Coordinator) streamFile(ctx context.Context, job *outboundJob, dc transport.DataChannel) error {
	file := job.file

	info, err := BuildFileInfoMessage(file.Name, file.Type, file.Size).Encode()
	if err != nil {
		return err
	}
	if err := job.send(func() error { return dc.SendText(info) }); err != nil {
		return err
	}

	var sent int64
	reported := 0
	for sent < file.Size {
		if err := c.waitForBufferedAmount(ctx, dc); err != nil {
			return err
		}

		chunk, err := ReadChunk(file.Reader, sent, c.limits.ChunkSize, file.Size)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		if err := job.send(func() error { return dc.Send(chunk) }); err != nil {
			return err
		}
		sent += int64(len(chunk))

		if percent := SendProgress(sent, file.Size); percent >= reported+1 {
			reported = percent
			c.mu.Lock()
			if c.outbound == job {
				c.outgoing.Bytes = sent
				c.outgoing.Progress = percent
			}
			c.mu.Unlock()
			c.reportProgress(Progress{Direction: Outgoing, FileName: file.Name, Bytes: sent, Total: file.Size, Percent: percent})
		}
	}

	complete, err := BuildFileCompleteMessage().Encode()
	if err != nil {
		return err
	}
	return job.send(func() error { return dc.SendText(complete) })
}

// waitForBufferedAmount blocks while the channel holds at least the high
// water mark, until a buffered-amount-low event or cancellation.
func (c *Coordinator) waitForBufferedAmount(ctx context.Context, dc transport.DataChannel) error {
	for dc.BufferedAmount() >= c.limits.HighWaterMark {
		select {
		case <-c.lowCh:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// CancelFileTransfer stops an outbound transfer at the next chunk boundary,
// drops any partial incoming file, and tells the peer. With nothing in
// flight the peer is left alone.
func (c *Coordinator) CancelFileTransfer() {
	c.mu.Lock()
	job := c.outbound
	dc := c.dc
	c.selected = nil
	if job != nil {
		c.outgoing.State = TransferCancelled
		c.outgoing.Bytes = 0
		c.outgoing.Progress = 0
	}
	hadAssembly := c.assembly != nil
	c.assembly = nil
	if hadAssembly {
		c.incoming.State = TransferCancelled
		c.incoming.Bytes = 0
		c.incoming.Progress = 0
	}
	c.mu.Unlock()

	if job == nil && !hadAssembly {
		c.logger.Debug("Nothing to cancel")
		return
	}

	if job != nil {
		job.stop(ErrTransferCancelled)
	}
	c.sendTransferCancelled(dc)
	c.notify(NoticeInfo, "Transfer cancelled")
}

// sendTransferCancelled tells the peer to stop, if the channel is still up.
func (c *Coordinator) sendTransferCancelled(dc transport.DataChannel) {
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	msg, err := BuildTransferCancelledMessage().Encode()
	if err == nil {
		err = dc.SendText(msg)
	}
	if err != nil {
		c.logger.Warnf("Failed to send transfer-cancelled: %v", err)
	}
}

// Drain waits until everything queued on the data channel has been handed to
// the network.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return ErrNotEstablished
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for dc.BufferedAmount() > 0 {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			return ErrChannelClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
