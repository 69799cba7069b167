package pool

import (
	"errors"
	"testing"
)

func TestAcquireReleaseCycle(t *testing.T) {
	p, err := New(4, 512)
	if err != nil {
		t.Fatal(err)
	}
	if p.Available() != 4 {
		t.Fatalf("available: got %d, want 4", p.Available())
	}

	f, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Buf()) != 512 {
		t.Errorf("buffer size: got %d, want 512", len(f.Buf()))
	}
	f.Seq = 42
	f.SetLen(100)
	f.Chan = ChannelB
	f.WireTimeNs = 1
	f.Release()

	if p.Available() != 4 {
		t.Fatalf("available after release: got %d, want 4", p.Available())
	}

	// Metadata must not leak into the next borrower.
	g, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if g.Seq != 0 || g.Len() != 0 || g.WireTimeNs != 0 || g.TsSource != TsOff {
		t.Errorf("recycled frame carries state: %+v", g)
	}
	g.Release()
}

func TestExhaustion(t *testing.T) {
	p, err := New(2, 512)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	if _, err := p.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third acquire: got %v, want ErrPoolExhausted", err)
	}
	a.Release()
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	b.Release()
}

func TestBadSizes(t *testing.T) {
	if _, err := New(0, 512); err == nil {
		t.Error("zero pool size accepted")
	}
	if _, err := New(4, 0); err == nil {
		t.Error("zero packet size accepted")
	}
}

func TestChannelString(t *testing.T) {
	if ChannelA.String() != "A" || ChannelB.String() != "B" || ChannelRecovery.String() != "R" {
		t.Error("channel labels wrong")
	}
	if TsHwRaw.String() != "hw_raw" || TsSoftware.String() != "software" {
		t.Error("timestamp source labels wrong")
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	p, err := New(1024, 2048)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := p.Acquire()
		if err != nil {
			b.Fatal(err)
		}
		f.Release()
	}
}
