// Package zstdio implements the zstd stream codec for
// compression=zstd uploads (spec.md §4.A StreamMeta.compression). The
// source store always holds the canonical uncompressed bundle; this
// package sits at the wire boundary only, compressing on the client
// side before an upload_source call and decompressing on the worker
// side before the bytes are handed to sourcestore.Store.
//
// Grounded on github.com/klauspost/compress/zstd, the one zstd-capable
// dependency anywhere in the retrieved corpus.
package zstdio

import "github.com/klauspost/compress/zstd"

// Compress returns the zstd-compressed form of data.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, make([]byte, 0, len(data)))
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
