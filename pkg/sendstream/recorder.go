package sendstream

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pion/webrtc/v3"
)

const (
	ivfFileHeaderSize  = 32
	ivfFrameHeaderSize = 12
)

// ivfWriter dumps encoded frames of one simulcast layer to an IVF container.
// The file header is written lazily on the first frame, since width/height
// and codec are not known before. If the destination supports seeking, the
// frame count is patched on close.
type ivfWriter struct {
	w         io.Writer
	byteLimit int64

	headerWritten bool
	bytesWritten  int64
	frameCount    uint32
}

func newIvfWriter(w io.Writer, byteLimit int64) *ivfWriter {
	return &ivfWriter{
		w:         w,
		byteLimit: byteLimit,
	}
}

func ivfFourCC(codec string) [4]byte {
	switch {
	case strings.EqualFold(codec, webrtc.MimeTypeVP9), strings.EqualFold(codec, "VP9"):
		return [4]byte{'V', 'P', '9', '0'}
	case strings.EqualFold(codec, webrtc.MimeTypeH264), strings.EqualFold(codec, "H264"):
		return [4]byte{'H', '2', '6', '4'}
	default:
		return [4]byte{'V', 'P', '8', '0'}
	}
}

func (iw *ivfWriter) writeHeader(image *EncodedImage, codec string) error {
	header := make([]byte, ivfFileHeaderSize)
	copy(header[0:], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], ivfFileHeaderSize)
	fourcc := ivfFourCC(codec)
	copy(header[8:], fourcc[:])
	binary.LittleEndian.PutUint16(header[12:], uint16(image.Width))
	binary.LittleEndian.PutUint16(header[14:], uint16(image.Height))
	// RTP video timestamps run at 90 kHz
	binary.LittleEndian.PutUint32(header[16:], 90000)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], 0) // frame count, patched on close

	if _, err := iw.w.Write(header); err != nil {
		return err
	}
	iw.bytesWritten += ivfFileHeaderSize
	iw.headerWritten = true
	return nil
}

// writeFrame appends one frame, dropping it silently once the byte limit
// would be exceeded.
func (iw *ivfWriter) writeFrame(image *EncodedImage, codec string) error {
	if !iw.headerWritten {
		if iw.byteLimit > 0 && ivfFileHeaderSize > iw.byteLimit {
			return nil
		}
		if err := iw.writeHeader(image, codec); err != nil {
			return err
		}
	}

	frameSize := int64(len(image.Payload)) + ivfFrameHeaderSize
	if iw.byteLimit > 0 && iw.bytesWritten+frameSize > iw.byteLimit {
		return nil
	}

	frameHeader := make([]byte, ivfFrameHeaderSize)
	binary.LittleEndian.PutUint32(frameHeader[0:], uint32(len(image.Payload)))
	binary.LittleEndian.PutUint64(frameHeader[4:], uint64(image.Timestamp))
	if _, err := iw.w.Write(frameHeader); err != nil {
		return err
	}
	if _, err := iw.w.Write(image.Payload); err != nil {
		return err
	}

	iw.bytesWritten += frameSize
	iw.frameCount++
	return nil
}

func (iw *ivfWriter) close() error {
	if ws, ok := iw.w.(io.WriteSeeker); ok && iw.headerWritten {
		if _, err := ws.Seek(24, io.SeekStart); err == nil {
			count := make([]byte, 4)
			binary.LittleEndian.PutUint32(count, iw.frameCount)
			if _, err := ws.Write(count); err != nil {
				return err
			}
		}
	}
	if c, ok := iw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
