package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"lanlinks/network"
	"lanlinks/sharing"
)

// SessionHandler receives a new sharing session. It runs through the
// dispatcher before the session starts; receivers call Accept on it.
type SessionHandler func(*sharing.Session)

// OnFileReceiver installs the handler for incoming files. Without one,
// incoming files are ignored.
func (c *Client) OnFileReceiver(handler SessionHandler) {
	c.handlersMu.Lock()
	c.fileReceiver = handler
	c.handlersMu.Unlock()
}

// OnDirectoryReceiver installs the handler for incoming directories.
func (c *Client) OnDirectoryReceiver(handler SessionHandler) {
	c.handlersMu.Lock()
	c.directoryReceiver = handler
	c.handlersMu.Unlock()
}

// SendFile offers the file at path to peerID and runs the transfer to
// completion. onSession, if set, sees the session before it starts. A refused
// offer returns nil with the session in status Refused.
func (c *Client) SendFile(ctx context.Context, peerID, path string, onSession SessionHandler) (*sharing.Session, error) {
	full, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", path)
	}

	header := sharing.FileHeader{Name: info.Name(), Length: info.Size()}
	return c.share(ctx, peerID, network.PathShareFile, header, onSession, func(options sharing.Options) (*sharing.Session, error) {
		return sharing.NewFileSender(options, full)
	})
}

// SendDirectory offers the tree rooted at dir to peerID.
func (c *Client) SendDirectory(ctx context.Context, peerID, dir string, onSession SessionHandler) (*sharing.Session, error) {
	full, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dir, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir)
	}

	header := sharing.DirectoryHeader{Name: info.Name()}
	return c.share(ctx, peerID, network.PathShareDirectory, header, onSession, func(options sharing.Options) (*sharing.Session, error) {
		return sharing.NewDirectorySender(options, full)
	})
}

func (c *Client) share(
	ctx context.Context,
	peerID, path string,
	header any,
	onSession SessionHandler,
	build func(sharing.Options) (*sharing.Session, error),
) (*sharing.Session, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	endpoint, err := c.endpoint(peerID)
	if err != nil {
		return nil, err
	}

	conn, err := c.transport.OpenStream(ctx, endpoint.TCPAddr(), path, header)
	if err != nil {
		return nil, err
	}
	status, err := network.ReadStatus(conn, c.streamTimeout())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if status != network.StatusWait && status != network.StatusRefused {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: peer answered %q to %s", network.ErrProtocol, status, path)
	}

	session, err := build(c.sessionOptions(peerID, conn))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer session.Dispose()

	if status == network.StatusRefused {
		c.logger.Info("share offer refused", zap.String("peer", peerID), zap.String("path", path))
		return session, session.Refuse()
	}
	c.announceSession(ctx, session, onSession)
	return session, session.Run(ctx)
}

func (c *Client) handleShareFile(ctx context.Context, req *network.Request) error {
	var header sharing.FileHeader
	if err := req.Packet.Decode(&header); err != nil {
		return err
	}
	return c.receive(ctx, req, c.receiverFor(sharing.KindFile), func(options sharing.Options) (*sharing.Session, error) {
		return sharing.NewFileReceiver(options, header.Name, header.Length)
	})
}

func (c *Client) handleShareDirectory(ctx context.Context, req *network.Request) error {
	var header sharing.DirectoryHeader
	if err := req.Packet.Decode(&header); err != nil {
		return err
	}
	return c.receive(ctx, req, c.receiverFor(sharing.KindDirectory), func(options sharing.Options) (*sharing.Session, error) {
		return sharing.NewDirectoryReceiver(options, header.Name)
	})
}

func (c *Client) receiverFor(kind sharing.Kind) SessionHandler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	if kind == sharing.KindDirectory {
		return c.directoryReceiver
	}
	return c.fileReceiver
}

// receive serves an incoming share. Offers arriving as datagrams, from
// unknown peers or without an installed handler are dropped without an
// answer.
func (c *Client) receive(
	ctx context.Context,
	req *network.Request,
	handler SessionHandler,
	build func(sharing.Options) (*sharing.Session, error),
) error {
	peerID := req.Packet.SenderID
	logger := c.logger.With(zap.String("peer", peerID), zap.String("path", req.Packet.Path))
	switch {
	case !req.FromStream():
		logger.Debug("ignore share offer outside a stream")
		return nil
	case handler == nil:
		logger.Debug("ignore share offer without a receiver")
		return nil
	}
	if _, ok := c.directory.Peer(peerID); !ok {
		logger.Debug("ignore share offer from unknown peer")
		return nil
	}

	session, err := build(c.sessionOptions(peerID, req.Stream))
	if err != nil {
		return err
	}
	defer session.Dispose()

	if err := req.Respond(ctx, network.StatusReply{Status: network.StatusWait}); err != nil {
		return err
	}
	c.announceSession(ctx, session, handler)
	return session.Run(ctx)
}

func (c *Client) announceSession(ctx context.Context, session *sharing.Session, handler SessionHandler) {
	if handler == nil {
		return
	}
	err := c.dispatcher.Invoke(context.WithoutCancel(ctx), func() {
		handler(session)
	})
	if err != nil {
		c.logger.Debug("session handler not run", zap.Error(err))
	}
}

func (c *Client) sessionOptions(peerID string, conn net.Conn) sharing.Options {
	return sharing.Options{
		PeerID:         peerID,
		Conn:           conn,
		ShareDirectory: c.Settings().ShareDirectory,
		Dispatcher:     c.dispatcher,
		Logger:         c.logger,
		StreamTimeout:  c.streamTimeout(),
	}
}

func (c *Client) streamTimeout() time.Duration {
	if c.options.StreamTimeout > 0 {
		return c.options.StreamTimeout
	}
	return network.DefaultStreamTimeout
}
