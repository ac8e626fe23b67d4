package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ReadRawFile reads a zstd-compressed stream of little-endian float32 values.
// The element count is taken from the stream; shape is attached as given and
// reconciled later by the grid.
func ReadRawFile(path string, shape []int) (Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tensor{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return Tensor{}, fmt.Errorf("zstd: %w", err)
	}
	defer dec.Close()

	data, err := DecodeFloat32s(bufio.NewReader(dec))
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// WriteRawFile writes t.Data in the format ReadRawFile expects.
func WriteRawFile(path string, t Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w := bufio.NewWriter(enc)
	if err := EncodeFloat32s(w, t.Data); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// EncodeFloat32s writes values as little-endian float32.
func EncodeFloat32s(w io.Writer, values []float64) error {
	var buf [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFloat32s reads little-endian float32 values until EOF. A trailing
// partial value is an error.
func DecodeFloat32s(r io.Reader) ([]float64, error) {
	var (
		out []float64
		buf [4]byte
	)
	for {
		_, err := io.ReadFull(r, buf[:])
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("raw payload: %w", err)
		}
		out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))))
	}
}
