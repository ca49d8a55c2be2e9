package output

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/tracekit/tracectl/internal/service"
)

// zstdWriter compresses the packet stream before it reaches the
// underlying file. Level 3 trades well between ratio and CPU for
// trace payloads, which are mostly varint-dense binary.
type zstdWriter struct {
	enc   *zstd.Encoder
	inner PacketWriter
}

// NewZstdWriter returns a PacketWriter that zstd-compresses the
// framed packet stream written to w.
func NewZstdWriter(w io.Writer) (PacketWriter, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &zstdWriter{enc: enc, inner: NewFileWriter(enc)}, nil
}

func (z *zstdWriter) WritePackets(packets []service.Packet) error {
	return z.inner.WritePackets(packets)
}

func (z *zstdWriter) Close() error {
	if err := z.inner.Close(); err != nil {
		z.enc.Close()
		return err
	}
	return z.enc.Close()
}
