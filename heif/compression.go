package heif

import (
	"bytes"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// Content encodings of 'mime' items.
const (
	ContentEncodingDeflate = "deflate" // zlib stream, as in HTTP
	ContentEncodingGzip    = "gzip"
	ContentEncodingBrotli  = "br"
	ContentEncodingZstd    = "zstd"
)

// Compression types of a 'cmpC' property.
const (
	CompressionDeflate = "defl"
	CompressionZlib    = "zlib"
	CompressionBrotli  = "brot"
)

type compressor struct {
	reader func(io.Reader) (io.ReadCloser, error)
	writer func(io.Writer) (io.WriteCloser, error)
}

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)
		return enc
	},
}

// pooledZstd returns its decoder to the pool on Close.
type pooledZstd struct {
	*zstd.Decoder
}

func (p pooledZstd) Close() error {
	zstdDecPool.Put(p.Decoder)
	return nil
}

var zlibCompressor = compressor{
	reader: func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) },
	writer: func(w io.Writer) (io.WriteCloser, error) { return zlib.NewWriter(w), nil },
}

var brotliCompressor = compressor{
	reader: func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(brotli.NewReader(r)), nil },
	writer: func(w io.Writer) (io.WriteCloser, error) {
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	},
}

var compressors = map[string]compressor{
	ContentEncodingDeflate: zlibCompressor,
	CompressionZlib:        zlibCompressor,
	CompressionDeflate: {
		reader: func(r io.Reader) (io.ReadCloser, error) { return flate.NewReader(r), nil },
		writer: func(w io.Writer) (io.WriteCloser, error) { return flate.NewWriter(w, flate.DefaultCompression) },
	},
	ContentEncodingGzip: {
		reader: func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
		writer: func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil },
	},
	ContentEncodingBrotli: brotliCompressor,
	CompressionBrotli:     brotliCompressor,
	ContentEncodingZstd: {
		reader: func(r io.Reader) (io.ReadCloser, error) {
			dec := zstdDecPool.Get().(*zstd.Decoder)
			if err := dec.Reset(r); err != nil {
				zstdDecPool.Put(dec)
				return nil, err
			}
			return pooledZstd{dec}, nil
		},
		writer: func(w io.Writer) (io.WriteCloser, error) {
			enc := zstdEncPool.Get().(*zstd.Encoder)
			enc.Reset(w)
			return enc, nil
		},
	},
}

func unsupportedCompression(method string) error {
	return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedGenericCompressionMethod,
		"unsupported compression method %q", method)
}

// Decompress inflates data compressed with method, which is a 'mime'
// content encoding or a 'cmpC' compression type. The output size is
// bounded by the memory block limit of lim.
func Decompress(method string, data []byte, lim *limits.SecurityLimits) ([]byte, error) {
	c, ok := compressors[method]
	if !ok {
		return nil, unsupportedCompression(method)
	}
	lim = lim.OrDefault()
	r, err := c.reader(bytes.NewReader(data))
	if err != nil {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified, "%s data: %v", method, err)
	}
	defer r.Close()

	var src io.Reader = r
	if lim.MaxMemoryBlockSize != 0 {
		src = io.LimitReader(r, int64(lim.MaxMemoryBlockSize)+1)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(src); err != nil {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified, "%s data: %v", method, err)
	}
	if err := lim.CheckMemoryBlock(uint64(out.Len()), "decompressed data"); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Compress is the inverse of Decompress.
func Compress(method string, data []byte) ([]byte, error) {
	c, ok := compressors[method]
	if !ok {
		return nil, unsupportedCompression(method)
	}
	var buf bytes.Buffer
	w, err := c.writer(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if enc, ok := w.(*zstd.Encoder); ok {
		zstdEncPool.Put(enc)
	}
	return buf.Bytes(), nil
}
