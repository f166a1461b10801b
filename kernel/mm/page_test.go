package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{KernBase + 1, Page(KernBase >> PageShift)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPageRounding(t *testing.T) {
	specs := []struct {
		input    uintptr
		expUp    uintptr
		expDown  uintptr
		expAlign bool
	}{
		{0, 0, 0, true},
		{1, 4096, 0, false},
		{3072, 4096, 0, false},
		{4096, 4096, 4096, true},
		{4097, 8192, 4096, false},
		{KernBase - 1, KernBase, KernBase - PageSize, false},
	}

	for specIndex, spec := range specs {
		if got := PageRoundUp(spec.input); got != spec.expUp {
			t.Errorf("[spec %d] expected PageRoundUp(%x) to return %x; got %x", specIndex, spec.input, spec.expUp, got)
		}
		if got := PageRoundDown(spec.input); got != spec.expDown {
			t.Errorf("[spec %d] expected PageRoundDown(%x) to return %x; got %x", specIndex, spec.input, spec.expDown, got)
		}
		if got := PageAligned(spec.input); got != spec.expAlign {
			t.Errorf("[spec %d] expected PageAligned(%x) to return %t; got %t", specIndex, spec.input, spec.expAlign, got)
		}
	}
}
