package engine

import (
	"bufio"
	"fmt"
	"os"
)

// OpenSink opens the output destination for a writer. An empty path or
// "-" means standard output. File output goes through a temporary file
// renamed into place on Close, so a failed run leaves no partial file
// behind.
func OpenSink(path string) (*Sink, error) {
	if path == "" || path == "-" {
		return &Sink{
			buf:    bufio.NewWriter(os.Stdout),
			stdout: true,
		}, nil
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	return &Sink{
		buf:  bufio.NewWriter(file),
		file: file,
		path: path,
		tmp:  tmp,
	}, nil
}

// Sink is a buffered write destination. Close commits, Abort discards.
type Sink struct {
	buf    *bufio.Writer
	file   *os.File
	path   string
	tmp    string
	stdout bool
}

func (s *Sink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// Close flushes and, for file sinks, renames the temporary file into
// place.
func (s *Sink) Close() error {
	if err := s.buf.Flush(); err != nil {
		if !s.stdout {
			s.file.Close()
			os.Remove(s.tmp)
		}
		return err
	}

	if s.stdout {
		return nil
	}

	if err := s.file.Close(); err != nil {
		os.Remove(s.tmp)
		return err
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		os.Remove(s.tmp)
		return fmt.Errorf("failed to finalize output file: %w", err)
	}
	return nil
}

// Abort discards everything written so far. File sinks remove their
// temporary file; nothing appears at the target path. For stdout the
// unflushed buffer is simply dropped.
func (s *Sink) Abort() error {
	if s.stdout {
		return nil
	}
	s.file.Close()
	return os.Remove(s.tmp)
}
