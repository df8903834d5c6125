package sharing

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"lanlinks/network"
)

// Directory walk markers.
const (
	markerDirectory = "directory"
	markerFile      = "file"
	markerEnd       = "end"
)

type marker struct {
	Type   string   `json:"type"`
	Path   []string `json:"path,omitempty"`
	Name   string   `json:"name,omitempty"`
	Length int64    `json:"length,omitempty"`
}

// sendFile streams length bytes of path. The file must still have the
// declared length.
func (s *Session) sendFile(ctx context.Context, path string, length int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if info.Size() != length {
		return fmt.Errorf("%w: %q is %d bytes, declared %d", ErrLengthMismatch, path, info.Size(), length)
	}

	buffer := make([]byte, ChunkSize)
	for remaining := length; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := buffer[:min(remaining, int64(len(buffer)))]
		if _, err := io.ReadFull(file, chunk); err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		if _, err := s.conn.Write(chunk); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		remaining -= int64(len(chunk))
		s.position.Add(int64(len(chunk)))
	}
	return nil
}

// receiveFile writes exactly length bytes from the stream into a new file at
// path. The file is removed when anything fails.
func (s *Session) receiveFile(ctx context.Context, path string, length int64) (err error) {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrProtocol, length)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("close %q: %w", path, closeErr)
		}
		if err != nil {
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				s.logger.Warn("remove partial file failed", zap.String("path", path), zap.Error(removeErr))
			}
		}
	}()

	buffer := make([]byte, ChunkSize)
	for remaining := length; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := buffer[:min(remaining, int64(len(buffer)))]
		if _, err := io.ReadFull(s.conn, chunk); err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}
		if _, err := file.Write(chunk); err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
		remaining -= int64(len(chunk))
		s.position.Add(int64(len(chunk)))
	}
	return nil
}

// sendDirectory walks root in pre-order: a directory marker, every regular
// file of that directory, then its subdirectories, and a final end marker.
func (s *Session) sendDirectory(ctx context.Context, root string) error {
	if err := s.sendDirectoryLevel(ctx, root, []string{}); err != nil {
		return err
	}
	return s.writeMarker(marker{Type: markerEnd})
}

func (s *Session) sendDirectoryLevel(ctx context.Context, dir string, relative []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeMarker(marker{Type: markerDirectory, Path: relative}); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory %q: %w", dir, err)
	}

	var subdirectories []string
	for _, entry := range entries {
		switch {
		case entry.IsDir():
			subdirectories = append(subdirectories, entry.Name())
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return fmt.Errorf("stat %q: %w", entry.Name(), err)
			}
			if err := s.writeMarker(marker{Type: markerFile, Name: entry.Name(), Length: info.Size()}); err != nil {
				return err
			}
			if err := s.sendFile(ctx, filepath.Join(dir, entry.Name()), info.Size()); err != nil {
				return err
			}
		default:
			s.logger.Debug("skip non-regular entry", zap.String("path", filepath.Join(dir, entry.Name())))
		}
	}

	for _, name := range subdirectories {
		next := append(append([]string{}, relative...), name)
		if err := s.sendDirectoryLevel(ctx, filepath.Join(dir, name), next); err != nil {
			return err
		}
	}
	return nil
}

// receiveDirectory rebuilds the tree under root. On failure the partially
// received tree is removed.
func (s *Session) receiveDirectory(ctx context.Context, root string) (err error) {
	if err := os.Mkdir(root, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", root, err)
	}
	defer func() {
		if err != nil {
			if removeErr := os.RemoveAll(root); removeErr != nil {
				s.logger.Warn("remove partial directory failed", zap.String("path", root), zap.Error(removeErr))
			}
		}
	}()

	current := root
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var m marker
		if err := network.ReadJSONFrame(s.conn, &m); err != nil {
			return fmt.Errorf("read marker: %w", err)
		}

		switch m.Type {
		case markerDirectory:
			for _, segment := range m.Path {
				if err := ValidateName(segment); err != nil {
					return fmt.Errorf("%w: directory segment: %v", ErrProtocol, err)
				}
			}
			current = filepath.Join(append([]string{root}, m.Path...)...)
			if err := os.MkdirAll(current, 0o755); err != nil {
				return fmt.Errorf("create %q: %w", current, err)
			}
		case markerFile:
			if err := ValidateName(m.Name); err != nil {
				return fmt.Errorf("%w: file name: %v", ErrProtocol, err)
			}
			if err := s.receiveFile(ctx, filepath.Join(current, m.Name), m.Length); err != nil {
				return err
			}
		case markerEnd:
			return nil
		default:
			return fmt.Errorf("%w: unknown marker %q", ErrProtocol, m.Type)
		}
	}
}

func (s *Session) writeMarker(m marker) error {
	if err := network.WriteJSONFrame(s.conn, m); err != nil {
		return fmt.Errorf("write %s marker: %w", m.Type, err)
	}
	return nil
}
