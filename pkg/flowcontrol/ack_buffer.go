package flowcontrol

import (
	"sync"

	"github.com/core-tools/hsu-terminal/pkg/terminal"
)

// AckDataBuffer accumulates consumed character counts and acknowledges them to the
// producer in whole chunks, since the producer-side protocol expects fixed-size credits.
type AckDataBuffer struct {
	mutex     sync.Mutex
	unsent    int
	chunkSize int
	callback  func(charCount int)
}

// NewAckDataBuffer uses terminal.CharCountAckSize when chunkSize is not positive.
func NewAckDataBuffer(chunkSize int, callback func(charCount int)) *AckDataBuffer {
	if chunkSize <= 0 {
		chunkSize = terminal.CharCountAckSize
	}
	return &AckDataBuffer{
		chunkSize: chunkSize,
		callback:  callback,
	}
}

// Ack records charCount consumed characters and emits one acknowledgement per full chunk.
// Negative counts are ignored.
func (b *AckDataBuffer) Ack(charCount int) {
	if charCount <= 0 {
		return
	}

	b.mutex.Lock()
	b.unsent += charCount
	chunks := b.unsent / b.chunkSize
	b.unsent -= chunks * b.chunkSize
	b.mutex.Unlock()

	for i := 0; i < chunks; i++ {
		b.callback(b.chunkSize)
	}
}

// Unsent returns the remainder still below one chunk.
func (b *AckDataBuffer) Unsent() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.unsent
}

func (b *AckDataBuffer) ChunkSize() int {
	return b.chunkSize
}
