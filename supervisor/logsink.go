package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gpufleet/control-plane/infra"
)

const defaultMaxSegmentBytes = 10 * 1024 * 1024

// Archiver receives rotated log segments. Implemented by infra.MinioClient;
// nil keeps segments on local disk only.
type Archiver interface {
	UploadLogSegment(ctx context.Context, orgID, segmentName, filePath string) error
}

// RotatingLogSink writes one organization's child output to
// <dir>/<org>.log, rotating at a size threshold. Rotated segments are
// renamed with a timestamp and optionally shipped to the archive.
type RotatingLogSink struct {
	orgID    string
	dir      string
	maxBytes int64
	archiver Archiver
	logger   *infra.LoggerClient

	mu      sync.Mutex
	file    *os.File
	written int64
}

func NewRotatingLogSink(orgID, dir string, archiver Archiver, logger *infra.LoggerClient) (*RotatingLogSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	s := &RotatingLogSink{
		orgID:    orgID,
		dir:      dir,
		maxBytes: defaultMaxSegmentBytes,
		archiver: archiver,
		logger:   logger,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RotatingLogSink) path() string {
	return filepath.Join(s.dir, s.orgID+".log")
}

func (s *RotatingLogSink) open() error {
	file, err := os.OpenFile(s.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log sink for %s: %w", s.orgID, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	s.file = file
	s.written = info.Size()
	return nil
}

func (s *RotatingLogSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return len(p), nil // closed sink swallows late writes from draining pipes
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	if err == nil && s.written >= s.maxBytes {
		err = s.rotate()
	}
	return n, err
}

// rotate is called with the lock held.
func (s *RotatingLogSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	segment := fmt.Sprintf("%s-%s.log", s.orgID, time.Now().UTC().Format("20060102T150405"))
	rotated := filepath.Join(s.dir, segment)
	if err := os.Rename(s.path(), rotated); err != nil {
		return err
	}

	if s.archiver != nil {
		go s.archive(segment, rotated)
	}
	return s.open()
}

func (s *RotatingLogSink) archive(segment, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.archiver.UploadLogSegment(ctx, s.orgID, segment, path); err != nil {
		s.logger.WarningWithContextf(ctx, "[Supervisor] Failed to archive segment %s: %v", segment, err)
		return
	}
	if err := os.Remove(path); err != nil {
		s.logger.WarningWithContextf(ctx, "[Supervisor] Failed to remove archived segment %s: %v", path, err)
	}
}

func (s *RotatingLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
