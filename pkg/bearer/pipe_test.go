package bearer

import (
	"bytes"
	"testing"
	"time"
)

func newPipeBearers(t *testing.T, config PipeConfig) (*Pipe, *Packet, *Packet) {
	t.Helper()
	p := NewPipeWithConfig(config)
	a, b, err := p.Bearers(KindAdv)
	if err != nil {
		t.Fatalf("Bearers() error: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
		p.Close()
	})
	return p, a, b
}

func TestPipeAutoProcess(t *testing.T) {
	_, a, b := newPipeBearers(t, DefaultPipeConfig())

	rxA, rxB := newCapture(), newCapture()
	if err := a.Start(rxA.handle); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := b.Start(rxB.handle); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := a.Send(testPDU); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := rxB.wait(t); !bytes.Equal(got, testPDU) {
		t.Errorf("b received %x, want %x", got, testPDU)
	}

	reply := []byte{0x01, 0x02, 0x03}
	if err := b.Send(reply); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := rxA.wait(t); !bytes.Equal(got, reply) {
		t.Errorf("a received %x, want %x", got, reply)
	}
}

func TestPipeManualProcess(t *testing.T) {
	p, a, b := newPipeBearers(t, PipeConfig{AutoProcess: false})

	rx := newCapture()
	if err := b.Start(rx.handle); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := a.Send(testPDU); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	rx.none(t, 20*time.Millisecond)

	if got := pump(p, rx, 1); got != 1 {
		t.Errorf("delivered %d PDUs, want 1", got)
	}
}

func TestPipeConditions(t *testing.T) {
	t.Run("drop", func(t *testing.T) {
		p, a, b := newPipeBearers(t, PipeConfig{AutoProcess: false})
		p.SetCondition(NetworkCondition{DropRate: 1})

		rx := newCapture()
		if err := b.Start(rx.handle); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if err := a.Send(testPDU); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if n := p.Process(); n != 0 {
			t.Errorf("Process() = %d, want 0", n)
		}
		rx.none(t, 20*time.Millisecond)
	})

	t.Run("duplicate", func(t *testing.T) {
		p, a, b := newPipeBearers(t, PipeConfig{AutoProcess: false})
		p.SetCondition(NetworkCondition{DuplicateRate: 1})

		rx := newCapture()
		if err := b.Start(rx.handle); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if err := a.Send(testPDU); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if got := pump(p, rx, 2); got != 2 {
			t.Errorf("delivered %d copies, want 2", got)
		}
	})
}

func TestPipeAddr(t *testing.T) {
	p := NewPipeWithConfig(PipeConfig{})
	defer p.Close()

	c := p.PacketConn(1)
	if got := c.LocalAddr().String(); got != "pipe:1" {
		t.Errorf("LocalAddr() = %q, want pipe:1", got)
	}
	if got := c.LocalAddr().Network(); got != "pipe" {
		t.Errorf("Network() = %q, want pipe", got)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

// pump ticks p until want PDUs reached rx or a second passed. Tick only
// hands PDUs to readers that are already waiting.
func pump(p *Pipe, rx *capture, want int) int {
	got := 0
	deadline := time.Now().Add(time.Second)
	for got < want && time.Now().Before(deadline) {
		p.Tick()
		select {
		case <-rx.ch:
			got++
		case <-time.After(5 * time.Millisecond):
		}
	}
	return got
}
