package cell

import (
	"bytes"
	"testing"
)

// BenchmarkFixedCellEncode benchmarks encoding of fixed-size cells.
func BenchmarkFixedCellEncode(b *testing.B) {
	c := &Cell{
		CircID:  12345,
		Command: CmdPadding,
		Payload: make([]byte, PayloadSizeWide),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := &bytes.Buffer{}
		if err := c.Encode(buf, CircIDWide); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFixedCellDecode benchmarks decoding of fixed-size cells.
func BenchmarkFixedCellDecode(b *testing.B) {
	c := &Cell{
		CircID:  12345,
		Command: CmdPadding,
		Payload: make([]byte, PayloadSizeWide),
	}
	buf := &bytes.Buffer{}
	if err := c.Encode(buf, CircIDWide); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := bytes.NewReader(data)
		if _, err := DecodeCell(reader, CircIDWide); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCellEncodeParallel benchmarks parallel cell encoding.
func BenchmarkCellEncodeParallel(b *testing.B) {
	c := &Cell{
		CircID:  12345,
		Command: CmdPadding,
		Payload: make([]byte, PayloadSizeWide),
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := &bytes.Buffer{}
			if err := c.Encode(buf, CircIDWide); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkCellDecodeParallel benchmarks parallel cell decoding.
func BenchmarkCellDecodeParallel(b *testing.B) {
	c := &Cell{
		CircID:  12345,
		Command: CmdPadding,
		Payload: make([]byte, PayloadSizeWide),
	}
	buf := &bytes.Buffer{}
	if err := c.Encode(buf, CircIDWide); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			reader := bytes.NewReader(data)
			if _, err := DecodeCell(reader, CircIDWide); err != nil {
				b.Fatal(err)
			}
		}
	})
}
