package pool

import "sync"

// Buffer sizes for the two datagram paths.
const (
	DatagramBufSize = 2048  // a full overlay datagram incl. sealed header
	FrameBufSize    = 65535 // largest TCP frame a 2-byte length prefix allows
)

var (
	datagramPool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, DatagramBufSize)
			return &b
		},
	}
	framePool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, FrameBufSize)
			return &b
		},
	}
)

// GetDatagram returns a datagram-sized buffer from the pool.
func GetDatagram() *[]byte {
	return datagramPool.Get().(*[]byte)
}

// PutDatagram returns a datagram buffer to the pool.
func PutDatagram(b *[]byte) {
	if b == nil || cap(*b) < DatagramBufSize {
		return
	}
	*b = (*b)[:DatagramBufSize]
	datagramPool.Put(b)
}

// GetFrame returns a frame-sized buffer from the pool.
func GetFrame() *[]byte {
	return framePool.Get().(*[]byte)
}

// PutFrame returns a frame buffer to the pool.
func PutFrame(b *[]byte) {
	if b == nil || cap(*b) < FrameBufSize {
		return
	}
	*b = (*b)[:FrameBufSize]
	framePool.Put(b)
}
