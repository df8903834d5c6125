// Package sharing moves one file or one directory tree across an open stream
// connection, in either the sender or the receiver role, and reports
// progress while doing so.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lanlinks/dispatch"
	"lanlinks/logging"
	"lanlinks/network"
)

const (
	// ChunkSize is the copy unit of the file loops.
	ChunkSize = network.ChunkSize
	// DefaultReportInterval is the wake period of the reporting loop.
	DefaultReportInterval = 67 * time.Millisecond
	// DefaultTickWindow is the age of the oldest tick kept for speed smoothing.
	DefaultTickWindow = 2 * time.Second
)

var (
	// ErrProtocol indicates an unexpected marker or decision on the stream.
	ErrProtocol = errors.New("sharing: protocol error")
	// ErrLengthMismatch indicates a file whose length differs from the declared one.
	ErrLengthMismatch = errors.New("sharing: length mismatch")
	// ErrInvalidName indicates a name that is not a single path element.
	ErrInvalidName = errors.New("sharing: invalid name")
	// ErrDecisionMade is returned by a second Accept call.
	ErrDecisionMade = errors.New("sharing: decision already made")
	// ErrNotReceiver is returned by Accept on a sender session.
	ErrNotReceiver = errors.New("sharing: only receivers accept")
	// ErrAlreadyStarted is returned by a second Run call.
	ErrAlreadyStarted = errors.New("sharing: session already started")
	// ErrDisposed is returned by Run after Dispose.
	ErrDisposed = errors.New("sharing: session disposed")
)

// Role is the side of the transfer a session drives.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Kind is the shape of the transferred item.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusAborted Status = "aborted"
	StatusRefused Status = "refused"
)

// Completed reports whether status is terminal.
func (s Status) Completed() bool {
	return s == StatusSuccess || s == StatusAborted || s == StatusRefused
}

// Viewer is the observable state of one session.
type Viewer struct {
	Role     Role
	Kind     Kind
	PeerID   string
	Name     string
	FullPath string
	// Length is meaningful for files only.
	Length    int64
	Position  int64
	Speed     float64
	Progress  float64
	Remaining time.Duration
	Status    Status
}

// FileHeader is the handshake payload of link.share.file.
type FileHeader struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// DirectoryHeader is the handshake payload of link.share.directory.
type DirectoryHeader struct {
	Name string `json:"name"`
}

// Options carries what every session needs.
type Options struct {
	PeerID string
	Conn   net.Conn
	// ShareDirectory receives incoming items.
	ShareDirectory string
	Dispatcher     dispatch.Dispatcher
	Logger         *zap.Logger

	ReportInterval time.Duration
	TickWindow     time.Duration
	StreamTimeout  time.Duration

	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Dispatcher == nil {
		o.Dispatcher = &dispatch.Inline{}
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	if o.TickWindow <= 0 {
		o.TickWindow = DefaultTickWindow
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = network.DefaultStreamTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Session drives one transfer end to end.
type Session struct {
	options Options
	logger  *zap.Logger
	conn    net.Conn
	// source is the local path on the sending side.
	source string

	position atomic.Int64

	decision chan bool
	decided  atomic.Bool

	mu           sync.Mutex
	viewer       Viewer
	ticks        []tick
	observers    map[int]func(Viewer)
	nextObserver int

	started     atomic.Bool
	cancelMu    sync.Mutex
	cancel      context.CancelFunc
	disposed    chan struct{}
	disposeOnce sync.Once
}

func newSession(options Options, viewer Viewer, source string) (*Session, error) {
	opts := options.withDefaults()
	if opts.Conn == nil {
		return nil, errors.New("sharing: connection is required")
	}
	viewer.PeerID = opts.PeerID
	viewer.Status = StatusPending

	s := &Session{
		options:   opts,
		conn:      opts.Conn,
		source:    source,
		viewer:    viewer,
		observers: make(map[int]func(Viewer)),
		disposed:  make(chan struct{}),
		logger: opts.Logger.Named("sharing").With(
			zap.String("peer", opts.PeerID),
			zap.Stringer("role", viewer.Role),
			zap.Stringer("kind", viewer.Kind),
			zap.String("name", viewer.Name),
		),
	}
	if viewer.Role == RoleReceiver {
		s.decision = make(chan bool, 1)
	}
	return s, nil
}

// NewFileSender prepares a session sending the file at path.
func NewFileSender(options Options, path string) (*Session, error) {
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
	return newSession(options, Viewer{
		Role:     RoleSender,
		Kind:     KindFile,
		Name:     info.Name(),
		FullPath: full,
		Length:   info.Size(),
	}, full)
}

// NewDirectorySender prepares a session sending the tree rooted at dir.
func NewDirectorySender(options Options, dir string) (*Session, error) {
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
	return newSession(options, Viewer{
		Role:     RoleSender,
		Kind:     KindDirectory,
		Name:     info.Name(),
		FullPath: full,
	}, full)
}

// NewFileReceiver prepares a session receiving a file announced as name
// with length bytes.
func NewFileReceiver(options Options, name string, length int64) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrProtocol, length)
	}
	return newSession(options, Viewer{
		Role:   RoleReceiver,
		Kind:   KindFile,
		Name:   name,
		Length: length,
	}, "")
}

// NewDirectoryReceiver prepares a session receiving a tree announced as name.
func NewDirectoryReceiver(options Options, name string) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return newSession(options, Viewer{
		Role: RoleReceiver,
		Kind: KindDirectory,
		Name: name,
	}, "")
}

// Viewer returns a snapshot of the observable state.
func (s *Session) Viewer() Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

// Subscribe registers observer for viewer changes, delivered through the
// dispatcher. The returned function removes the observer.
func (s *Session) Subscribe(observer func(Viewer)) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = observer
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Accept records the receiver's decision. It may be called once, from any
// goroutine, before or while Run waits for it.
func (s *Session) Accept(accept bool) error {
	if s.decision == nil {
		return ErrNotReceiver
	}
	if !s.decided.CompareAndSwap(false, true) {
		return ErrDecisionMade
	}
	s.decision <- accept
	return nil
}

// Run performs the exchange and reports until the session is completed.
// A refused transfer returns nil with status Refused.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.cancelMu.Lock()
	s.cancel = cancel
	select {
	case <-s.disposed:
		s.cancelMu.Unlock()
		return ErrDisposed
	default:
	}
	s.cancelMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- s.exchange(ctx)
	}()

	ticker := time.NewTicker(s.options.ReportInterval)
	defer ticker.Stop()

	var err error
	for waiting := true; waiting; {
		s.report()
		select {
		case err = <-done:
			waiting = false
		case <-ticker.C:
		}
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		s.logger.Info("transfer aborted", zap.Error(err))
		s.setStatus(StatusAborted)
	} else {
		s.setStatus(StatusSuccess)
	}
	s.report()
	return err
}

// Refuse completes a session that never started as Refused. It covers
// offers the peer declined before any exchange took place.
func (s *Session) Refuse() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.setStatus(StatusRefused)
	s.report()
	return nil
}

// Dispose cancels the session and closes its stream. It is idempotent.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.cancelMu.Lock()
		close(s.disposed)
		if s.cancel != nil {
			s.cancel()
		}
		s.cancelMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) exchange(ctx context.Context) error {
	if s.viewer.Role == RoleSender {
		return s.runSender(ctx)
	}
	return s.runReceiver(ctx)
}

func (s *Session) runSender(ctx context.Context) error {
	var reply network.StatusReply
	if err := network.ReadJSONFrame(s.conn, &reply); err != nil {
		return fmt.Errorf("read decision: %w", err)
	}

	switch reply.Status {
	case network.StatusOK:
		s.setStatus(StatusRunning)
		return s.transfer(ctx)
	case network.StatusRefused:
		s.setStatus(StatusRefused)
		return nil
	default:
		return fmt.Errorf("%w: unexpected decision %q", ErrProtocol, reply.Status)
	}
}

func (s *Session) runReceiver(ctx context.Context) error {
	var accept bool
	select {
	case accept = <-s.decision:
	case <-ctx.Done():
		return ctx.Err()
	}

	status := network.StatusRefused
	if accept {
		status = network.StatusOK
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.options.StreamTimeout))
	err := network.WriteJSONFrame(s.conn, network.StatusReply{Status: status})
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	if !accept {
		s.setStatus(StatusRefused)
		return nil
	}

	name, full, err := resolveAvailableName(s.options.ShareDirectory, s.Viewer().Name, s.options.now())
	if err != nil {
		return err
	}
	s.update(func(v *Viewer) {
		v.Name = name
		v.FullPath = full
	})
	s.setStatus(StatusRunning)
	return s.transfer(ctx)
}

func (s *Session) transfer(ctx context.Context) error {
	viewer := s.Viewer()

	var err error
	switch {
	case viewer.Kind == KindFile && viewer.Role == RoleSender:
		err = s.sendFile(ctx, s.source, viewer.Length)
	case viewer.Kind == KindFile:
		err = s.receiveFile(ctx, viewer.FullPath, viewer.Length)
	case viewer.Role == RoleSender:
		err = s.sendDirectory(ctx, s.source)
	default:
		err = s.receiveDirectory(ctx, viewer.FullPath)
	}
	if err != nil {
		return err
	}

	if viewer.Kind == KindFile {
		if position := s.position.Load(); position != viewer.Length {
			return fmt.Errorf("%w: transferred %d of %d bytes", ErrLengthMismatch, position, viewer.Length)
		}
	}
	return nil
}

func (s *Session) update(mutate func(v *Viewer)) {
	err := s.options.Dispatcher.Invoke(context.Background(), func() {
		s.mu.Lock()
		mutate(&s.viewer)
		snapshot := s.viewer
		observers := make([]func(Viewer), 0, len(s.observers))
		for _, observer := range s.observers {
			observers = append(observers, observer)
		}
		s.mu.Unlock()

		for _, observer := range observers {
			observer(snapshot)
		}
	})
	if err != nil {
		s.logger.Debug("update viewer failed", zap.Error(err))
	}
}

// setStatus moves the session forward. Completed sessions never change and
// only a pending session can start running.
func (s *Session) setStatus(status Status) {
	s.update(func(v *Viewer) {
		if v.Status.Completed() {
			return
		}
		if status == StatusRunning {
			if v.Status != StatusPending {
				return
			}
			s.ticks = []tick{{at: s.options.now(), position: s.position.Load()}}
		}
		v.Status = status
	})
}
