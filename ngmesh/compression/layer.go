// Package compression implements the optional compression stage that sits
// above the security layer.
//
// Every frame leaving the stage starts with one tag byte naming the codec
// used for the rest of it: 0 raw, 1 LZ4, 2 Zstandard. Only frames larger than
// the threshold are compressed, and only when that makes them smaller.
package compression

import (
	"errors"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
)

const (
	DefaultThreshold    = 128
	DefaultMaxFrameSize = 65535
)

type Options struct {
	Algorithm Algorithm
	// Threshold is the smallest payload considered for compression.
	Threshold int
	// MaxFrameSize bounds decompressed output.
	MaxFrameSize int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Layer struct {
	layer.Base
	opts   Options
	dec    *zstd.Decoder
	logger *zap.Logger
}

func New(opts Options) (*Layer, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Algorithm {
	case None, LZ4, Zstd:
	default:
		return nil, ErrUnknownAlgorithm
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(opts.MaxFrameSize)))
	if err != nil {
		return nil, err
	}
	return &Layer{opts: opts, dec: dec, logger: opts.Logger.Named("compression")}, nil
}

// Close releases the decoder.
func (l *Layer) Close() {
	l.dec.Close()
}

func (l *Layer) HandleFromUpper(f layer.Frame) {
	f.Data = l.Encode(f.Data)
	l.SendDown(f)
}

func (l *Layer) HandleFromLower(f layer.Frame) {
	data, err := l.Decode(f.Data)
	if err != nil {
		reason := metrics.ReasonCorrupt
		if errors.Is(err, ErrTooLarge) {
			reason = metrics.ReasonTooLarge
		}
		l.opts.Metrics.Drop("compression", reason)
		l.logger.Debug("dropping frame", zap.Stringer("peer", f.Peer), zap.Error(err))
		return
	}
	f.Data = data
	l.SendUp(f)
}

// Encode returns the tagged wire form of data.
func (l *Layer) Encode(data []byte) []byte {
	if l.opts.Algorithm != None && len(data) >= l.opts.Threshold {
		var (
			out []byte
			err error
		)
		switch l.opts.Algorithm {
		case LZ4:
			out, err = compressLZ4(data)
		case Zstd:
			out, err = compressZstd(data)
		}
		if err == nil && len(out) < len(data) {
			return append([]byte{byte(l.opts.Algorithm)}, out...)
		}
	}
	return append([]byte{byte(None)}, data...)
}

// Decode reverses Encode.
func (l *Layer) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrDecompressionFailed
	}
	body := data[1:]
	switch Algorithm(data[0]) {
	case None:
		if len(body) > l.opts.MaxFrameSize {
			return nil, ErrTooLarge
		}
		return body, nil
	case LZ4:
		return decompressLZ4(body, l.opts.MaxFrameSize)
	case Zstd:
		return decompressZstd(l.dec, body, l.opts.MaxFrameSize)
	default:
		return nil, ErrUnknownAlgorithm
	}
}
