package adp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the payload compression of a persisted neighbor graph.
type Codec uint16

const (
	// CodecNone stores the payload uncompressed.
	CodecNone Codec = 0
	// CodecZstd compresses the payload with zstd (better ratio).
	CodecZstd Codec = 1
	// CodecLZ4 compresses the payload with LZ4 frames (faster).
	CodecLZ4 Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint16(c))
	}
}

// ParseCodec maps "none", "zstd" or "lz4" to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, configErrorf("unknown cache codec %q", s)
	}
}

const (
	graphMagic      = "ADPG"
	graphVersion    = 2
	graphIntWidth   = 8
	graphHeaderSize = 36
	maxPeriodLen    = 1 << 16

	flagPeriodic = 1 << 0
)

// graphHeader is the fixed-size little-endian header of a graph blob:
//
//	[magic 4][version u16][codec u16][metric u8][int width u8][flags u16]
//	[metric param f64][N u64][K u64]
//
// When the periodic flag is set it is followed by the box lengths,
// [count u32][count f64], stored uncompressed. Then come N*K distances (f64)
// and N*K indices (i64), row-major, compressed as a single stream by the
// codec.
type graphHeader struct {
	version     uint16
	codec       Codec
	metric      metricKind
	intWidth    uint8
	flags       uint16
	metricParam float64
	n, k        uint64
	period      []float64
}

func (h *graphHeader) marshal() []byte {
	buf := make([]byte, 0, graphHeaderSize)
	buf = append(buf, graphMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, h.version)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.codec))
	buf = append(buf, byte(h.metric), h.intWidth)
	buf = binary.LittleEndian.AppendUint16(buf, h.flags)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(h.metricParam))
	buf = binary.LittleEndian.AppendUint64(buf, h.n)
	buf = binary.LittleEndian.AppendUint64(buf, h.k)
	if h.flags&flagPeriodic != 0 {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.period)))
		for _, p := range h.period {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p))
		}
	}
	return buf
}

func (h *graphHeader) unmarshal(buf []byte) error {
	if string(buf[:4]) != graphMagic {
		return cacheErrorf("bad magic %q", buf[:4])
	}
	h.version = binary.LittleEndian.Uint16(buf[4:])
	h.codec = Codec(binary.LittleEndian.Uint16(buf[6:]))
	h.metric = metricKind(buf[8])
	h.intWidth = buf[9]
	h.flags = binary.LittleEndian.Uint16(buf[10:])
	h.metricParam = math.Float64frombits(binary.LittleEndian.Uint64(buf[12:]))
	h.n = binary.LittleEndian.Uint64(buf[20:])
	h.k = binary.LittleEndian.Uint64(buf[28:])
	return nil
}

// readPeriod reads the box lengths that follow the fixed header of a
// periodic graph.
func (h *graphHeader) readPeriod(r io.Reader) error {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return cacheErrorf("read period length: %v", err)
	}
	if count == 0 || count > maxPeriodLen {
		return cacheErrorf("invalid period length %d", count)
	}
	h.period = make([]float64, count)
	if err := binary.Read(r, binary.LittleEndian, h.period); err != nil {
		return cacheErrorf("read period: %v", err)
	}
	return nil
}

func headerFor(g *NeighborGraph, metric Metric, codec Codec) graphHeader {
	if metric == nil {
		metric = Euclidean{}
	}
	h := graphHeader{
		version:     graphVersion,
		codec:       codec,
		metric:      metric.kind(),
		intWidth:    graphIntWidth,
		metricParam: metric.param(),
		n:           uint64(g.N),
		k:           uint64(g.K),
	}
	if period := metricPeriod(metric); period != nil {
		h.flags |= flagPeriodic
		h.period = period
	}
	return h
}

// WriteGraph persists g, computed under metric, to w.
func WriteGraph(w io.Writer, g *NeighborGraph, metric Metric, codec Codec) error {
	if err := g.Validate(); err != nil {
		return inputErrorf("refusing to persist graph: %v", err)
	}
	h := headerFor(g, metric, codec)
	if _, err := w.Write(h.marshal()); err != nil {
		return fmt.Errorf("adp: write graph header: %w", err)
	}

	var (
		payload io.Writer
		closer  io.Closer
	)
	switch codec {
	case CodecNone:
		payload = w
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("adp: zstd writer: %w", err)
		}
		payload, closer = enc, enc
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		payload, closer = zw, zw
	default:
		return configErrorf("unknown cache codec %d", uint16(codec))
	}

	if err := writePayload(payload, g); err != nil {
		if closer != nil {
			closer.Close()
		}
		return err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("adp: close %s stream: %w", codec, err)
		}
	}
	return nil
}

func writePayload(w io.Writer, g *NeighborGraph) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, g.Distances); err != nil {
		return fmt.Errorf("adp: write distances: %w", err)
	}
	indices := make([]int64, len(g.Indices))
	for i, v := range g.Indices {
		indices[i] = int64(v)
	}
	if err := binary.Write(bw, binary.LittleEndian, indices); err != nil {
		return fmt.Errorf("adp: write indices: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("adp: flush graph: %w", err)
	}
	return nil
}

// ReadGraph loads a graph persisted by WriteGraph. It returns
// ErrIncompatibleCache when the blob was written for a different N, k,
// metric or format version, or fails the graph invariants.
func ReadGraph(r io.Reader, n, k int, metric Metric) (*NeighborGraph, error) {
	if n <= 0 || k <= 0 {
		return nil, inputErrorf("invalid graph shape N=%d K=%d", n, k)
	}
	buf := make([]byte, graphHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, cacheErrorf("read header: %v", err)
	}
	var h graphHeader
	if err := h.unmarshal(buf); err != nil {
		return nil, err
	}
	if h.version != graphVersion {
		return nil, cacheErrorf("version %d, want %d", h.version, graphVersion)
	}
	if h.intWidth != graphIntWidth {
		return nil, cacheErrorf("index width %d, want %d", h.intWidth, graphIntWidth)
	}
	if h.n != uint64(n) || h.k != uint64(k) {
		return nil, cacheErrorf("graph has N=%d K=%d, want N=%d K=%d", h.n, h.k, n, k)
	}
	if h.flags&flagPeriodic != 0 {
		if err := h.readPeriod(r); err != nil {
			return nil, err
		}
	}
	want := headerFor(&NeighborGraph{N: n, K: k}, metric, h.codec)
	if h.metric != want.metric || h.metricParam != want.metricParam || h.flags != want.flags {
		return nil, cacheErrorf("graph was built with a different metric (kind %d, param %v)", h.metric, h.metricParam)
	}
	if !slices.Equal(h.period, want.period) {
		return nil, cacheErrorf("graph was built with period %v, want %v", h.period, want.period)
	}

	var payload io.Reader
	switch h.codec {
	case CodecNone:
		payload = r
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, cacheErrorf("zstd reader: %v", err)
		}
		defer dec.Close()
		payload = dec
	case CodecLZ4:
		payload = lz4.NewReader(r)
	default:
		return nil, cacheErrorf("unknown codec %d", uint16(h.codec))
	}

	g := newGraph(n, k)
	br := bufio.NewReader(payload)
	if err := binary.Read(br, binary.LittleEndian, g.Distances); err != nil {
		return nil, cacheErrorf("read distances: %v", err)
	}
	indices := make([]int64, n*k)
	if err := binary.Read(br, binary.LittleEndian, indices); err != nil {
		return nil, cacheErrorf("read indices: %v", err)
	}
	for i, v := range indices {
		if v < 0 || v >= int64(n) {
			return nil, cacheErrorf("neighbor index %d out of range", v)
		}
		g.Indices[i] = int(v)
	}
	if err := g.Validate(); err != nil {
		return nil, cacheErrorf("%v", err)
	}
	return g, nil
}

// IsIncompatibleCache reports whether err means a cached graph must be
// rebuilt.
func IsIncompatibleCache(err error) bool {
	return errors.Is(err, ErrIncompatibleCache)
}
