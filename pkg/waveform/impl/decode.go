package impl

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// Sample encodings accepted on the wire.
const (
	encFloat32 = 0
	encInt32   = 1
	encInt16   = 2
)

// maxFrameSamples bounds the per-frame allocation. At 100 Hz this is over
// eleven hours of samples, far beyond any window the pipeline requests.
const maxFrameSamples = 1 << 22

// A response body is a sequence of frames until EOF. Each frame is
// big-endian:
//
//	u8 len + bytes  x4   network, station, location, channel
//	i64             start, ns since epoch UTC
//	f64             sample rate, Hz
//	u32             sample count
//	u8              encoding (0 float32, 1 int32, 2 int16)
//	f64             gain, applied as sample*gain (1.0 for float encodings)
//	count samples in the declared encoding
func decodeFrames(r io.Reader) ([]*seismic.WaveformSegment, error) {
	var segments []*seismic.WaveformSegment
	for {
		seg, err := decodeFrame(r)
		if err == io.EOF {
			return segments, nil
		}
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
}

func decodeFrame(r io.Reader) (*seismic.WaveformSegment, error) {
	net, err := readString(r)
	if err != nil {
		// EOF before the first header byte is a clean end of stream.
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(errors.KindValidation, err, "reading network")
	}
	sta, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "reading station")
	}
	loc, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "reading location")
	}
	cha, err := readString(r)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "reading channel")
	}

	var hdr struct {
		StartNs  int64
		RateHz   float64
		Count    uint32
		Encoding uint8
		Gain     float64
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "reading frame header")
	}
	if hdr.RateHz <= 0 {
		return nil, errors.New(errors.KindValidation, "non-positive sample rate %f", hdr.RateHz)
	}
	if hdr.Count > maxFrameSamples {
		return nil, errors.New(errors.KindValidation,
			"frame declares %d samples, limit is %d", hdr.Count, maxFrameSamples)
	}

	samples := make([]float64, hdr.Count)
	switch hdr.Encoding {
	case encFloat32:
		buf := make([]float32, hdr.Count)
		if err := binary.Read(r, binary.BigEndian, buf); err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "reading float32 samples")
		}
		for i, v := range buf {
			samples[i] = float64(v)
		}
	case encInt32:
		buf := make([]int32, hdr.Count)
		if err := binary.Read(r, binary.BigEndian, buf); err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "reading int32 samples")
		}
		for i, v := range buf {
			samples[i] = float64(v) * hdr.Gain
		}
	case encInt16:
		buf := make([]int16, hdr.Count)
		if err := binary.Read(r, binary.BigEndian, buf); err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "reading int16 samples")
		}
		for i, v := range buf {
			samples[i] = float64(v) * hdr.Gain
		}
	default:
		return nil, errors.New(errors.KindValidation, "unknown encoding %d", hdr.Encoding)
	}

	return &seismic.WaveformSegment{
		Channel: seismic.ChannelID{
			Network:  net,
			Station:  sta,
			Location: loc,
			Channel:  cha,
		},
		Start:      time.Unix(0, hdr.StartNs).UTC(),
		SampleRate: hdr.RateHz,
		Samples:    samples,
	}, nil
}

func readString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// encodeFrame is the inverse of decodeFrame, used to build test fixtures.
func encodeFrame(w io.Writer, seg *seismic.WaveformSegment) error {
	for _, s := range []string{seg.Channel.Network, seg.Channel.Station, seg.Channel.Location, seg.Channel.Channel} {
		if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(s)); err != nil {
			return err
		}
	}
	hdr := struct {
		StartNs  int64
		RateHz   float64
		Count    uint32
		Encoding uint8
		Gain     float64
	}{
		StartNs:  seg.Start.UnixNano(),
		RateHz:   seg.SampleRate,
		Count:    uint32(len(seg.Samples)),
		Encoding: encFloat32,
		Gain:     1.0,
	}
	if err := binary.Write(w, binary.BigEndian, &hdr); err != nil {
		return err
	}
	buf := make([]float32, len(seg.Samples))
	for i, v := range seg.Samples {
		buf[i] = float32(v)
	}
	return binary.Write(w, binary.BigEndian, buf)
}
