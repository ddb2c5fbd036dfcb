package encoding

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/metric"
)

// maxDecompressedSize is the default maximum amount of memory allocated by the
// zstd decoder. The limit of 1MiB is chosen based on the default maximum message
// size in GossipSub.
const maxDecompressedSize = 1 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding so that equal values always produce equal
	// bytes; equivocation detection compares encoded messages.
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 16}).DecMode(); err != nil {
		panic(err)
	}
}

type EncodeDecoder[T any] interface {
	Encode(v T) ([]byte, error)
	Decode([]byte, *T) error
}

// CBOR encodes values of T with deterministic CBOR.
type CBOR[T any] struct{}

func NewCBOR[T any]() *CBOR[T] {
	return &CBOR[T]{}
}

func (c *CBOR[T]) Encode(m T) (_ []byte, _err error) {
	defer func(start time.Time) {
		metrics.encodingTime.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attrCodecCbor, attrActionEncode, attrSuccessFromErr(_err)))
	}(time.Now())
	return encMode.Marshal(m)
}

func (c *CBOR[T]) Decode(v []byte, t *T) (_err error) {
	defer func(start time.Time) {
		metrics.encodingTime.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attrCodecCbor, attrActionDecode, attrSuccessFromErr(_err)))
	}(time.Now())
	return decMode.Unmarshal(v, t)
}

// ZSTD compresses the CBOR encoding of T.
type ZSTD[T any] struct {
	cborEncoding *CBOR[T]
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

func NewZSTD[T any]() (*ZSTD[T], error) {
	writer, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	reader, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		return nil, err
	}
	return &ZSTD[T]{
		cborEncoding: &CBOR[T]{},
		compressor:   writer,
		decompressor: reader,
	}, nil
}

func (c *ZSTD[T]) Encode(m T) (_ []byte, _err error) {
	defer func(start time.Time) {
		metrics.encodingTime.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attrCodecZstd, attrActionEncode, attrSuccessFromErr(_err)))
	}(time.Now())
	cborEncoded, err := c.cborEncoding.Encode(m)
	if err != nil {
		return nil, err
	}
	if len(cborEncoded) > maxDecompressedSize {
		// Error out early if the encoded value is too large to be decompressed.
		return nil, fmt.Errorf("encoded value cannot exceed maximum size: %d > %d", len(cborEncoded), maxDecompressedSize)
	}
	compressed := c.compressor.EncodeAll(cborEncoded, make([]byte, 0, len(cborEncoded)))
	if len(cborEncoded) > 0 {
		metrics.zstdCompressionRatio.Record(context.Background(), float64(len(compressed))/float64(len(cborEncoded)))
	}
	return compressed, nil
}

func (c *ZSTD[T]) Decode(v []byte, t *T) (_err error) {
	defer func(start time.Time) {
		metrics.encodingTime.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(attrCodecZstd, attrActionDecode, attrSuccessFromErr(_err)))
	}(time.Now())
	cborEncoded, err := c.decompressor.DecodeAll(v, make([]byte, 0, len(v)))
	if err != nil {
		return err
	}
	return c.cborEncoding.Decode(cborEncoded, t)
}
