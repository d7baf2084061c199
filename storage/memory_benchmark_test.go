package storage

import (
	"fmt"
	"os"
	"testing"
)

func newBenchBufferPool(b *testing.B) (*BufferPool, func()) {
	b.Helper()
	dir, err := os.MkdirTemp("", "bench-bptree")
	if err != nil {
		b.Fatal(err)
	}
	pager, err := NewPager(dir+"/data.db", nil)
	if err != nil {
		b.Fatal(err)
	}
	bp := NewBufferPool(256, pager)
	return bp, func() {
		bp.Close()
		os.RemoveAll(dir)
	}
}

func BenchmarkBPlusTreeInsert(b *testing.B) {
	bp, cleanup := newBenchBufferPool(b)
	defer cleanup()

	tree, err := NewBPlusTree(bp)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%08d", i))
		if err := tree.Insert(key, key); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBPlusTreeSearch(b *testing.B) {
	bp, cleanup := newBenchBufferPool(b)
	defer cleanup()

	tree, err := NewBPlusTree(bp)
	if err != nil {
		b.Fatal(err)
	}
	const n = 10000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%08d", i))
		if err := tree.Insert(key, key); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%08d", i%n))
		if _, err := tree.Search(key); err != nil {
			b.Fatal(err)
		}
	}
}
