// Package cache stores blobs on disk under the hex BLAKE2b-256 digest of
// their content and fetches missing blobs from the peer that owns them.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"lanlinks/logging"
	"lanlinks/network"
)

const (
	// MaxBlobSize caps stored and fetched blobs.
	MaxBlobSize = 16 * 1024 * 1024
	// DefaultFetchTimeout bounds one remote fetch.
	DefaultFetchTimeout = 15 * time.Second
	// DefaultExtension is appended to every entry name.
	DefaultExtension = ".png"

	tempPrefix = "cache@"
	bufferSize = 4096
)

var (
	// ErrNotFound indicates the owning peer does not hold the blob.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrHashMismatch indicates fetched bytes do not hash to the requested digest.
	ErrHashMismatch = errors.New("cache: content hash mismatch")
	// ErrTooLarge indicates a blob exceeds MaxBlobSize.
	ErrTooLarge = errors.New("cache: blob exceeds max size")
	// ErrInvalidHash indicates a hash that cannot name a cache entry.
	ErrInvalidHash = errors.New("cache: invalid hash")
)

// StreamOpener opens a stream carrying a framed request packet.
type StreamOpener interface {
	OpenStream(ctx context.Context, addr *net.TCPAddr, path string, data any) (net.Conn, error)
}

// Entry names one immutable blob.
type Entry struct {
	Hash string
	Path string
}

// Options configures a Cache.
type Options struct {
	Directory    string
	Extension    string
	MaxSize      int64
	FetchTimeout time.Duration
	Streams      StreamOpener
	Logger       *zap.Logger
}

// Cache is a content-addressed blob directory.
type Cache struct {
	directory    string
	extension    string
	maxSize      int64
	fetchTimeout time.Duration
	streams      StreamOpener
	logger       *zap.Logger

	inflight *network.PendingTable[string, string]
}

type fetchRequest struct {
	Hash string `json:"hash"`
}

// New creates the cache directory when missing.
func New(options Options) (*Cache, error) {
	if options.Directory == "" {
		return nil, errors.New("cache: directory is required")
	}
	directory, err := filepath.Abs(options.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	c := &Cache{
		directory:    directory,
		extension:    options.Extension,
		maxSize:      options.MaxSize,
		fetchTimeout: options.FetchTimeout,
		streams:      options.Streams,
		logger:       logging.OrNop(options.Logger).Named("cache"),
		inflight:     network.NewPendingTable[string, string](),
	}
	if c.extension == "" {
		c.extension = DefaultExtension
	}
	if c.maxSize <= 0 {
		c.maxSize = MaxBlobSize
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	return c, nil
}

// Directory returns the absolute cache directory.
func (c *Cache) Directory() string {
	return c.directory
}

// ValidHash reports whether hash is a lowercase hex digest usable as a file name.
func ValidHash(hash string) bool {
	if hash == "" || len(hash) > 2*blake2b.Size || len(hash)%2 != 0 {
		return false
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func (c *Cache) entryPath(hash string) string {
	return filepath.Join(c.directory, hash+c.extension)
}

// Path returns the local path for hash and whether the entry exists.
func (c *Cache) Path(hash string) (string, bool) {
	if !ValidHash(hash) {
		return "", false
	}
	path := c.entryPath(hash)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return path, false
	}
	return path, true
}

// Has reports whether hash is cached.
func (c *Cache) Has(hash string) bool {
	_, ok := c.Path(hash)
	return ok
}

// Store streams source into a temp file while hashing it, then moves the
// temp file to its content name.
func (c *Cache) Store(ctx context.Context, source io.Reader) (Entry, error) {
	temp := c.tempPath()
	digest, err := c.writeTemp(ctx, temp, source, -1)
	if err != nil {
		_ = os.Remove(temp)
		return Entry{}, err
	}

	final := c.entryPath(digest)
	if err := commit(temp, final); err != nil {
		return Entry{}, err
	}
	return Entry{Hash: digest, Path: final}, nil
}

// StoreFile stores the file at path.
func (c *Cache) StoreFile(ctx context.Context, path string) (Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()
	return c.Store(ctx, file)
}

func (c *Cache) tempPath() string {
	return filepath.Join(c.directory, tempPrefix+strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// writeTemp reads exactly expected bytes when expected >= 0, else until EOF.
func (c *Cache) writeTemp(ctx context.Context, temp string, source io.Reader, expected int64) (string, error) {
	if expected > c.maxSize {
		return "", ErrTooLarge
	}

	file, err := os.OpenFile(temp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	hasher, _ := blake2b.New256(nil)

	n, copyErr := copyHashed(ctx, file, hasher, source, c.maxSize, expected)
	closeErr := file.Close()
	if copyErr != nil {
		return "", copyErr
	}
	if closeErr != nil {
		return "", fmt.Errorf("close temp file: %w", closeErr)
	}
	if expected >= 0 && n != expected {
		return "", fmt.Errorf("received %d of %d bytes: %w", n, expected, io.ErrUnexpectedEOF)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func copyHashed(ctx context.Context, dst io.Writer, hasher hash.Hash, src io.Reader, limit, expected int64) (int64, error) {
	if expected >= 0 {
		src = io.LimitReader(src, expected)
	}
	buffer := make([]byte, bufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := src.Read(buffer)
		if n > 0 {
			total += int64(n)
			if total > limit {
				return total, ErrTooLarge
			}
			if _, err := dst.Write(buffer[:n]); err != nil {
				return total, fmt.Errorf("write temp file: %w", err)
			}
			_, _ = hasher.Write(buffer[:n])
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read blob: %w", readErr)
		}
	}
}

// commit moves temp to final without replacing an existing entry. An entry
// that already exists counts as success.
func commit(temp, final string) error {
	defer os.Remove(temp)

	if fileExists(final) {
		return nil
	}
	if err := os.Link(temp, final); err == nil || fileExists(final) {
		return nil
	}
	if err := os.Rename(temp, final); err != nil {
		if fileExists(final) {
			return nil
		}
		return fmt.Errorf("move cache entry: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Fetch returns the local path for hash, fetching it from endpoint when it
// is not cached. Concurrent fetches of one hash share a single request.
func (c *Cache) Fetch(ctx context.Context, hash string, endpoint network.Endpoint) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if path, ok := c.Path(hash); ok {
		return path, nil
	}
	if c.streams == nil {
		return "", errors.New("cache: no stream opener configured")
	}

	future, created := c.inflight.Join(hash, c.fetchTimeout)
	if created {
		c.startFetch(ctx, hash, endpoint)
	}

	path, err := future.Wait(ctx)
	if errors.Is(err, network.ErrTimeout) {
		return "", fmt.Errorf("fetch %s: %w", hash, err)
	}
	return path, err
}

// startFetch resolves the in-flight entry for hash. A blob written by a
// fetch that completed after the caller's cache lookup resolves it at once.
func (c *Cache) startFetch(ctx context.Context, hash string, endpoint network.Endpoint) {
	if path, ok := c.Path(hash); ok {
		c.inflight.Fulfil(hash, path)
		return
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	go func() {
		defer cancel()
		path, err := c.fetchRemote(fetchCtx, hash, endpoint)
		if err != nil {
			c.logger.Debug("fetch failed", zap.String("hash", hash), zap.Stringer("peer", endpoint), zap.Error(err))
			c.inflight.Fail(hash, err)
			return
		}
		c.inflight.Fulfil(hash, path)
	}()
}

func (c *Cache) fetchRemote(ctx context.Context, hash string, endpoint network.Endpoint) (string, error) {
	conn, err := c.streams.OpenStream(ctx, endpoint.TCPAddr(), network.PathGetCache, fetchRequest{Hash: hash})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	length, err := network.ReadFrameHeader(conn)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	temp := c.tempPath()
	digest, err := c.writeTemp(ctx, temp, conn, int64(length))
	if err == nil && digest != hash {
		err = fmt.Errorf("%w: want %s got %s", ErrHashMismatch, hash, digest)
	}
	if err != nil {
		_ = os.Remove(temp)
		if path, ok := c.Path(hash); ok {
			return path, nil
		}
		return "", err
	}

	final := c.entryPath(hash)
	if err := commit(temp, final); err != nil {
		return "", err
	}
	return final, nil
}

// Serve answers link.get-cache stream requests. A missing entry is answered
// with length -1.
func (c *Cache) Serve(ctx context.Context, req *network.Request) error {
	if !req.FromStream() {
		return fmt.Errorf("%w: cache request must arrive on a stream", network.ErrProtocol)
	}
	var body fetchRequest
	if err := req.Packet.Decode(&body); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = req.Stream.SetDeadline(time.Now())
	})
	defer stop()

	path, ok := c.Path(body.Hash)
	if !ok {
		return network.WriteFrameHeader(req.Stream, -1)
	}
	file, err := os.Open(path)
	if err != nil {
		_ = network.WriteFrameHeader(req.Stream, -1)
		return fmt.Errorf("open cache entry: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		_ = network.WriteFrameHeader(req.Stream, -1)
		return fmt.Errorf("stat cache entry: %w", err)
	}
	if info.Size() > c.maxSize {
		_ = network.WriteFrameHeader(req.Stream, -1)
		return ErrTooLarge
	}
	if err := network.WriteFrameHeader(req.Stream, int32(info.Size())); err != nil {
		return err
	}
	if _, err := io.CopyBuffer(req.Stream, file, make([]byte, bufferSize)); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}
