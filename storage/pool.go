package storage

import (
	"bytes"
	"sync"
)

// pageBufferPool recycles the scratch buffers Pager uses to stage a page's
// on-disk bytes (plaintext or ciphertext) across ReadPage calls,
// so a busy collection doesn't allocate one 8KB+ buffer per page touched.
var pageBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer gets a buffer from the pool.
func GetBuffer() *bytes.Buffer {
	return pageBufferPool.Get().(*bytes.Buffer)
}

// PutBuffer resets buf and returns it to the pool.
func PutBuffer(buf *bytes.Buffer) {
	buf.Reset()
	pageBufferPool.Put(buf)
}
