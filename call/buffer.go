package call

// FrameSize is the number of mu-law bytes forwarded to the agent at a time:
// 20 frames of 160 bytes, 20 ms each at 8 kHz.
const FrameSize = 20 * 160

// frameBuffer re-frames carrier audio into fixed-size chunks.
type frameBuffer struct {
	size int
	buf  []byte
}

func newFrameBuffer(size int) *frameBuffer {
	return &frameBuffer{size: size, buf: make([]byte, 0, 2*size)}
}

// Push appends p and returns every complete chunk now available, oldest
// first. The remainder stays buffered for the next call.
func (f *frameBuffer) Push(p []byte) [][]byte {
	f.buf = append(f.buf, p...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[:copy(f.buf, f.buf[f.size:])]
	}
	return frames
}

// Pending returns how many bytes are waiting for a full chunk.
func (f *frameBuffer) Pending() int {
	return len(f.buf)
}
