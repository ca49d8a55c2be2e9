package output

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracekit/tracectl/internal/service"
)

func readFrames(t *testing.T, r io.Reader) []service.Packet {
	t.Helper()
	br := bufio.NewReader(r)
	var packets []service.Packet
	for {
		n, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return packets
		}
		require.NoError(t, err)
		p := make(service.Packet, n)
		_, err = io.ReadFull(br, p)
		require.NoError(t, err)
		packets = append(packets, p)
	}
}

func TestSinkRoundTrip(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.trace")
		sink, err := OpenSink(path, "")
		require.NoError(t, err)
		require.NoError(t, sink.AttachWriter(""))

		in := []service.Packet{
			bytes.Repeat([]byte{0xAA}, 100),
			bytes.Repeat([]byte{0xBB}, 50),
		}
		require.NoError(t, sink.WritePackets(in[:1]))
		require.NoError(t, sink.WritePackets(in[1:]))

		n, err := sink.Finish()
		require.NoError(t, err)
		// Each packet costs its length plus a one-byte varint prefix.
		assert.Equal(t, int64(152), n)

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, in, readFrames(t, f))
	})

	t.Run("zstd", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.trace")
		sink, err := OpenSink(path, "")
		require.NoError(t, err)
		require.NoError(t, sink.AttachWriter("zstd"))

		in := []service.Packet{bytes.Repeat([]byte{0xCC}, 4096)}
		require.NoError(t, sink.WritePackets(in))

		n, err := sink.Finish()
		require.NoError(t, err)
		require.Greater(t, n, int64(0))
		// Repetitive input must actually compress.
		assert.Less(t, n, int64(4096))

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		dec, err := zstd.NewReader(f)
		require.NoError(t, err)
		defer dec.Close()
		assert.Equal(t, in, readFrames(t, dec))
	})

	t.Run("unknown compression", func(t *testing.T) {
		sink, err := OpenSink(filepath.Join(t.TempDir(), "out.trace"), "")
		require.NoError(t, err)
		defer sink.Finish()
		assert.Error(t, sink.AttachWriter("lz4"))
	})
}

func TestOpenSink(t *testing.T) {
	t.Run("anonymous staging file", func(t *testing.T) {
		dir := t.TempDir()
		sink, err := OpenSink("", dir)
		require.NoError(t, err)
		assert.False(t, sink.IsStdout())
		assert.Equal(t, dir, filepath.Dir(sink.Path()))
		_, err = os.Stat(sink.Path())
		assert.NoError(t, err)
		sink.Finish()
	})

	t.Run("named path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.trace")
		sink, err := OpenSink(path, "")
		require.NoError(t, err)
		assert.Equal(t, path, sink.Path())
		assert.NotNil(t, sink.File())
		sink.Finish()
	})

	t.Run("stdout", func(t *testing.T) {
		sink, err := OpenSink("-", "")
		require.NoError(t, err)
		assert.True(t, sink.IsStdout())
		assert.Equal(t, "-", sink.Path())
		sink.Finish()
	})

	t.Run("unwritable path", func(t *testing.T) {
		_, err := OpenSink(filepath.Join(t.TempDir(), "missing", "out.trace"), "")
		require.Error(t, err)
	})

	t.Run("write without a writer fails", func(t *testing.T) {
		sink, err := OpenSink(filepath.Join(t.TempDir(), "out.trace"), "")
		require.NoError(t, err)
		defer sink.Finish()
		assert.Error(t, sink.WritePackets([]service.Packet{{1}}))
	})
}

func TestSpoolForUpload(t *testing.T) {
	t.Run("moves the trace under its session uuid", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "trace.tmp")
		require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))
		spool := filepath.Join(t.TempDir(), "spool")

		dest, err := SpoolForUpload(src, spool, "b1c2")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(spool, "b1c2.trace"), dest)

		b, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), b)

		_, err = os.Stat(src)
		assert.True(t, os.IsNotExist(err), "source must be gone after the handoff")
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := SpoolForUpload(filepath.Join(t.TempDir(), "nope"), t.TempDir(), "x")
		require.Error(t, err)
	})
}
