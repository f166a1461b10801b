package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf     bytes.Buffer
		expStr  = "the big brown fox jumped over the lazy dog"
		rb      ringBuffer
		readBuf = make([]byte, 7)
	)

	t.Run("read/write", func(t *testing.T) {
		rb = ringBuffer{}
		buf.Reset()
		_, _ = rb.Write([]byte(expStr))

		if _, err := io.CopyBuffer(&buf, &rb, readBuf); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overwrite oldest bytes", func(t *testing.T) {
		rb = ringBuffer{}
		buf.Reset()

		filler := bytes.Repeat([]byte{'x'}, ringBufferSize)
		_, _ = rb.Write(filler)
		_, _ = rb.Write([]byte(expStr))

		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if exp, got := ringBufferSize-1, buf.Len(); got != exp {
			t.Fatalf("expected to read back %d bytes; got %d", exp, got)
		}

		if !bytes.HasSuffix(buf.Bytes(), []byte(expStr)) {
			t.Fatal("expected the most recent write to survive the wrap-around")
		}
	})

	t.Run("empty", func(t *testing.T) {
		rb = ringBuffer{}
		if n, err := rb.Read(readBuf); n != 0 || err != io.EOF {
			t.Fatalf("expected (0, io.EOF); got (%d, %v)", n, err)
		}
	})
}
