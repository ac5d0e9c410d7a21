package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// VolumeProvider lists the removable volumes currently mounted.
type VolumeProvider interface {
	Volumes() []string
}

// StaticVolumes offers the configured mount points that exist right now.
type StaticVolumes []string

func (s StaticVolumes) Volumes() []string {
	var out []string
	for _, p := range s {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			out = append(out, p)
		}
	}
	return out
}

// LocalSink writes records to the first available removable volume, or
// to a staging directory when none is mounted. Staged files move onto
// the next volume that shows up.
type LocalSink struct {
	staging string
	subdir  string
	volumes VolumeProvider
	log     *logrus.Entry

	mu sync.Mutex
}

func NewLocalSink(staging, subdir string, volumes VolumeProvider, log *logrus.Entry) *LocalSink {
	return &LocalSink{
		staging: staging,
		subdir:  subdir,
		volumes: volumes,
		log:     log.WithField("channel", "local"),
	}
}

func (s *LocalSink) Name() string { return "local" }

func (s *LocalSink) Send(_ context.Context, name string, content []byte) error {
	_, err := s.Store(name, content)
	return err
}

// Store appends content to name on a volume or in staging and returns
// the path written.
func (s *LocalSink) Store(name string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vol := s.firstVolume(); vol != "" {
		dest := filepath.Join(vol, s.subdir, name)
		err := appendRecord(dest, content)
		if err == nil {
			return dest, nil
		}
		s.log.WithError(err).Warnf("Volume %s not writable, staging locally", vol)
	}
	dest := filepath.Join(s.staging, name)
	if err := appendRecord(dest, content); err != nil {
		return "", fmt.Errorf("%w: stage %s: %w", ErrTemporary, name, err)
	}
	return dest, nil
}

// Flush moves every staged file onto volume. It returns the number of
// files moved.
func (s *LocalSink) Flush(volume string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.staging)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	moved := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(s.staging, e.Name())
		content, err := os.ReadFile(src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := appendRecord(filepath.Join(volume, s.subdir, e.Name()), content); err != nil {
			errs = append(errs, fmt.Errorf("copy %s: %w", e.Name(), err))
			continue
		}
		if err := os.Remove(src); err != nil {
			errs = append(errs, err)
			continue
		}
		moved++
	}
	if moved > 0 {
		s.log.Infof("Moved %d staged files to %s", moved, volume)
	}
	return moved, errors.Join(errs...)
}

// FlushAvailable flushes staging onto the first mounted volume, if any.
func (s *LocalSink) FlushAvailable() (int, error) {
	s.mu.Lock()
	vol := s.firstVolume()
	s.mu.Unlock()
	if vol == "" {
		return 0, nil
	}
	return s.Flush(vol)
}

func (s *LocalSink) Verify(context.Context) error {
	return os.MkdirAll(s.staging, 0o755)
}

func (s *LocalSink) firstVolume() string {
	if s.volumes == nil {
		return ""
	}
	if vols := s.volumes.Volumes(); len(vols) > 0 {
		return vols[0]
	}
	return ""
}

// appendRecord creates path with content, or appends a newline and
// content when it already exists.
func appendRecord(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if statErr == nil {
		if _, err := f.Write([]byte("\n")); err != nil {
			f.Close()
			return err
		}
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
