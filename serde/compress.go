package serde

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const zstdSuffix = "+zstd"

// DefaultCompressionThreshold is the payload size below which CompressedSerializer
// stores bytes uncompressed.
const DefaultCompressionThreshold = 1024

// CompressedSerializer wraps another Serializer and zstd-compresses large payloads.
// Compressed payloads carry a "+zstd" suffix on their type tag, so blobs written
// before compression was enabled remain readable.
type CompressedSerializer struct {
	inner     Serializer
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	closeOnce sync.Once
	closeErr  error
}

var (
	_ Serializer = (*CompressedSerializer)(nil)
	_ io.Closer  = (*CompressedSerializer)(nil)
)

// NewCompressedSerializer wraps inner. Payloads of at least threshold bytes are
// compressed; threshold <= 0 uses DefaultCompressionThreshold.
func NewCompressedSerializer(inner Serializer, threshold int) (*CompressedSerializer, error) {
	if inner == nil {
		inner = DefaultSerializer()
	}
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &CompressedSerializer{
		inner:     inner,
		threshold: threshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// RegisterType forwards to the wrapped serializer when it accepts registrations.
func (s *CompressedSerializer) RegisterType(t reflect.Type, typeName string) error {
	if r, ok := s.inner.(Registerer); ok {
		return r.RegisterType(t, typeName)
	}
	return nil
}

// DumpsTyped implements Serializer.
func (s *CompressedSerializer) DumpsTyped(v any) (string, []byte, error) {
	typ, data, err := s.inner.DumpsTyped(v)
	if err != nil {
		return "", nil, err
	}
	if len(data) < s.threshold {
		return typ, data, nil
	}
	return typ + zstdSuffix, s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// LoadsTyped implements Serializer.
func (s *CompressedSerializer) LoadsTyped(typ string, data []byte) (any, error) {
	if base, ok := strings.CutSuffix(typ, zstdSuffix); ok {
		raw, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode %s: %w", base, err)
		}
		return s.inner.LoadsTyped(base, raw)
	}
	return s.inner.LoadsTyped(typ, data)
}

// Close releases the encoder and decoder. Later calls return the first result.
func (s *CompressedSerializer) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.encoder.Close()
		s.decoder.Close()
	})
	return s.closeErr
}
