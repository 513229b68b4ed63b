package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/blob"
	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/relay"
	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const dialTimeout = 10 * time.Second

// session wires a coordinator to the relay, the pion transport and the
// history database for one CLI invocation.
type session struct {
	node     *node.Coordinator
	relay    *relay.Client
	db       *gorm.DB
	blobs    *blob.Store
	observer *cliObserver
	logger   *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func openSession(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*session, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()

	client, err := relay.Dial(dialCtx, cfg.RelayURL, cfg.PeerID, log)
	if err != nil {
		_ = store.Close(db)
		return nil, err
	}

	observer := newCLIObserver(log)
	blobs := blob.NewStore()

	coordinator, err := node.New(node.Options{
		LocalID:     cfg.PeerID,
		DisplayName: cfg.DisplayName,
		Relay:       client,
		Factory:     webrtc.NewFactory(webrtc.STUNConfig(cfg.STUNServers), cfg.ChunkSize),
		Observer:    observer,
		Blobs:       blobs,
		Transfers:   store.NewTransferStore(db),
		Logger:      log,
		Limits: node.Limits{
			ChunkSize:     cfg.ChunkSize,
			HighWaterMark: uint64(cfg.HighWaterMark),
			LowWaterMark:  uint64(cfg.LowWaterMark),
			MaxFileSize:   cfg.MaxFileSize,
		},
		RequestTimeout:     cfg.RequestTimeout(),
		NegotiationTimeout: cfg.NegotiationTimeout(),
	})
	if err != nil {
		_ = client.Close()
		_ = store.Close(db)
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	s := &session{
		node:     coordinator,
		relay:    client,
		db:       db,
		blobs:    blobs,
		observer: observer,
		logger:   log,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		coordinator.Listen(listenCtx, client.Messages())
	}()

	log.WithField("relay", cfg.RelayURL).Infof("Connected as %s", cfg.PeerID)
	return s, nil
}

func (s *session) Close() {
	s.cancel()
	if err := s.node.Close(); err != nil {
		s.logger.Warnf("Failed to close session: %v", err)
	}
	if err := s.relay.Close(); err != nil {
		s.logger.Debugf("Failed to close relay connection: %v", err)
	}
	<-s.done
	if err := store.Close(s.db); err != nil {
		s.logger.Warnf("Failed to close database: %v", err)
	}
}

// waitConnected blocks until the data channel is open or the session ends
// without one.
func (s *session) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.node.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-s.observer.states:
			switch state {
			case node.StateFailed:
				return fmt.Errorf("connection to %s failed", s.node.RemoteID())
			case node.StateIdle:
				return fmt.Errorf("connection request was rejected")
			}
		case <-ticker.C:
		}
	}
}

// cliObserver logs notices, draws a progress bar per direction, and hands
// requests and files to the running command.
type cliObserver struct {
	logger *logrus.Logger

	states   chan node.ConnState
	requests chan node.ConnectionRequest
	files    chan node.ReceivedFile

	mu   sync.Mutex
	bars map[node.Direction]*progressbar.ProgressBar
}

func newCLIObserver(log *logrus.Logger) *cliObserver {
	return &cliObserver{
		logger:   log,
		states:   make(chan node.ConnState, 32),
		requests: make(chan node.ConnectionRequest, 16),
		files:    make(chan node.ReceivedFile, 16),
		bars:     make(map[node.Direction]*progressbar.ProgressBar),
	}
}

func (o *cliObserver) Notice(n node.Notice) {
	switch n.Level {
	case node.NoticeError:
		if n.Err != nil {
			o.logger.WithError(n.Err).Error(n.Message)
		} else {
			o.logger.Error(n.Message)
		}
	case node.NoticeRequest:
		if n.Request == nil {
			return
		}
		select {
		case o.requests <- *n.Request:
		default:
			o.logger.Warnf("Dropping connection request from %s", n.Request.Name())
		}
	default:
		o.logger.Debug(n.Message)
	}
}

func (o *cliObserver) StateChanged(s node.ConnState) {
	o.logger.Debugf("Connection is %s", s)
	select {
	case o.states <- s:
	default:
	}
}

func (o *cliObserver) Progress(p node.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()

	bar, ok := o.bars[p.Direction]
	starting := p.Bytes == 0 && p.Percent == 0
	switch {
	case ok && starting:
		// A reset to zero means the transfer was cancelled.
		_ = bar.Exit()
		delete(o.bars, p.Direction)
		return
	case !ok && !starting:
		return
	case !ok:
		verb := "Sending"
		if p.Direction == node.Incoming {
			verb = "Receiving"
		}
		bar = progressbar.NewOptions64(p.Total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", verb, p.FileName)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
		o.bars[p.Direction] = bar
		return
	}

	_ = bar.Set64(p.Bytes)
	if p.Percent >= 100 {
		_ = bar.Finish()
		delete(o.bars, p.Direction)
	}
}

func (o *cliObserver) FileReceived(f node.ReceivedFile) {
	select {
	case o.files <- f:
	default:
		o.logger.Warnf("Dropping received file %s", f.Name)
	}
}
