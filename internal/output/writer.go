package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/tracekit/tracectl/internal/service"
)

// PacketWriter writes batches of trace packets to an output stream.
// The plain-file and compressed variants are interchangeable behind
// this contract.
type PacketWriter interface {
	WritePackets(packets []service.Packet) error
	Close() error
}

// fileWriter writes length-prefixed packets through a buffered writer.
type fileWriter struct {
	buf *bufio.Writer
}

// NewFileWriter returns a PacketWriter that frames each packet with a
// uvarint length prefix. It does not own the underlying file.
func NewFileWriter(w io.Writer) PacketWriter {
	return &fileWriter{buf: bufio.NewWriter(w)}
}

func (w *fileWriter) WritePackets(packets []service.Packet) error {
	var hdr [binary.MaxVarintLen64]byte
	for _, p := range packets {
		n := binary.PutUvarint(hdr[:], uint64(len(p)))
		if _, err := w.buf.Write(hdr[:n]); err != nil {
			return err
		}
		if _, err := w.buf.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func (w *fileWriter) Close() error {
	return w.buf.Flush()
}

// Sink owns the output stream for one session, from open to finalize.
type Sink struct {
	file   *os.File
	writer PacketWriter
	stdout bool
	path   string
}

// OpenSink opens the session output stream. Path "-" duplicates
// stdout; an empty path creates an anonymous file in dir that is
// handed off (or discarded) at finalize time.
func OpenSink(path, dir string) (*Sink, error) {
	s := &Sink{path: path}
	switch path {
	case "-":
		fd, err := dupStdout()
		if err != nil {
			return nil, err
		}
		s.file = fd
		s.stdout = true
	case "":
		f, err := os.CreateTemp(dir, "trace-*.tmp")
		if err != nil {
			return nil, fmt.Errorf("create staging file in %s: %w", dir, err)
		}
		s.file = f
		s.path = f.Name()
	default:
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open output file %s: %w", path, err)
		}
		s.file = f
	}
	return s, nil
}

func dupStdout() (*os.File, error) {
	// A dup keeps the sink's close from tearing down the process's
	// real stdout.
	fd, err := dupFd(int(os.Stdout.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup stdout: %w", err)
	}
	return os.NewFile(uintptr(fd), "stdout"), nil
}

// AttachWriter wires a packet writer for the read-back path. Sessions
// where the service streams straight into the file skip this.
func (s *Sink) AttachWriter(compression string) error {
	switch compression {
	case "":
		s.writer = NewFileWriter(s.file)
	case "zstd":
		w, err := NewZstdWriter(s.file)
		if err != nil {
			return err
		}
		s.writer = w
	default:
		return fmt.Errorf("unknown compression %q", compression)
	}
	return nil
}

// WritePackets forwards a batch to the attached packet writer.
func (s *Sink) WritePackets(packets []service.Packet) error {
	if s.writer == nil {
		return fmt.Errorf("no packet writer attached")
	}
	return s.writer.WritePackets(packets)
}

// File exposes the underlying file for descriptor handoff to the
// service when it writes the trace directly.
func (s *Sink) File() *os.File { return s.file }

// Path returns the on-disk destination, or "-" for stdout.
func (s *Sink) Path() string {
	if s.stdout {
		return "-"
	}
	return s.path
}

// IsStdout reports whether the sink writes to standard output.
func (s *Sink) IsStdout() bool { return s.stdout }

// Finish stops accepting writes, flushes everything and measures the
// bytes written. The file handle is closed.
func (s *Sink) Finish() (int64, error) {
	var firstErr error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
		s.writer = nil
	}
	var size int64
	if s.file != nil {
		if sz, err := s.file.Seek(0, io.SeekEnd); err == nil {
			size = sz
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return size, firstErr
}
