package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gpufleet/control-plane/infra"
)

type fakeArchiver struct {
	mu       sync.Mutex
	segments []string
}

func (f *fakeArchiver) UploadLogSegment(ctx context.Context, orgID, segmentName, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, segmentName)
	return nil
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segments)
}

func TestRotatingLogSink_RotatesAtThreshold(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewRotatingLogSink("org-a", dir, nil, infra.NewStdoutLogger())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	defer sink.Close()
	sink.maxBytes = 64

	line := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 2; i++ {
		if _, err := sink.Write(append(line, '\n')); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	var rotated int
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "org-a-") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("expected 1 rotated segment, found %d", rotated)
	}

	// The live file was reopened; further writes land in a fresh segment.
	if _, err := sink.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("write after rotation failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "org-a.log"))
	if err != nil {
		t.Fatalf("failed to read live file: %v", err)
	}
	if !strings.Contains(string(data), "after rotation") {
		t.Fatal("write after rotation missing from the live file")
	}
}

func TestRotatingLogSink_ArchivesRotatedSegments(t *testing.T) {
	dir := t.TempDir()
	archiver := &fakeArchiver{}
	sink, err := NewRotatingLogSink("org-a", dir, archiver, infra.NewStdoutLogger())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	defer sink.Close()
	sink.maxBytes = 16

	if _, err := sink.Write(bytes.Repeat([]byte("y"), 32)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for archiver.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rotated segment never reached the archiver")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRotatingLogSink_SwallowsWritesAfterClose(t *testing.T) {
	sink, err := NewRotatingLogSink("org-a", t.TempDir(), nil, infra.NewStdoutLogger())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	sink.Close()
	if _, err := sink.Write([]byte("late line from a draining pipe\n")); err != nil {
		t.Fatalf("write after close must not error: %v", err)
	}
}
