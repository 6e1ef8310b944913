package devices_test

import (
	"sync"
	"testing"
	"time"

	"example.com/v-console/core_engine/devices"
	"example.com/v-console/core_engine/pci"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPICDevice_DeliversToHandler(t *testing.T) {
	p := devices.NewPICDevice()
	p.Start()
	defer p.Close()

	var mu sync.Mutex
	var got []int
	for _, irq := range []int{3, 4} {
		irq := irq
		if err := p.SetupIRQ(irq, "test", func() {
			mu.Lock()
			got = append(got, irq)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("SetupIRQ(%d) failed: %v", irq, err)
		}
	}

	p.RaiseIRQ(4)
	waitFor(t, "IRQ 4", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	p.RaiseIRQ(3)
	waitFor(t, "IRQ 3", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != 4 || got[1] != 3 {
		t.Errorf("Expected deliveries [4 3], got %v", got)
	}
}

func TestPICDevice_StartAfterClose(t *testing.T) {
	p := devices.NewPICDevice()
	p.Start()
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	p.Start()
	if err := p.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	if err := p.SetupIRQ(4, "test", func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SetupIRQ failed: %v", err)
	}
	p.RaiseIRQ(4)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("Expected no delivery after Close, got %d", calls)
	}
	if !p.HasPendingInterrupts() {
		t.Error("Expected IRQ 4 to stay pending")
	}
}

func TestPICDevice_MaskedLineIsDropped(t *testing.T) {
	p := devices.NewPICDevice()
	p.RaiseIRQ(5)
	if p.HasPendingInterrupts() {
		t.Error("Expected a masked line to be dropped")
	}

	if err := p.SetupIRQ(5, "test", func() {}); err != nil {
		t.Fatalf("SetupIRQ failed: %v", err)
	}
	p.RaiseIRQ(5)
	if !p.HasPendingInterrupts() {
		t.Error("Expected IRQ 5 pending once unmasked")
	}

	data := []byte{0}
	if err := p.HandleIO(devices.PIC_MASTER_DATA_PORT, devices.IODirectionIn, 1, data); err != nil {
		t.Fatalf("HandleIO failed: %v", err)
	}
	if data[0]&(1<<5) != 0 {
		t.Errorf("Expected IMR bit 5 clear, got IMR 0x%02x", data[0])
	}
}

func TestPICDevice_SetupIRQErrors(t *testing.T) {
	p := devices.NewPICDevice()
	if err := p.SetupIRQ(4, "first", func() {}); err != nil {
		t.Fatalf("SetupIRQ failed: %v", err)
	}
	if err := p.SetupIRQ(4, "second", func() {}); err == nil {
		t.Error("Expected sharing a line to fail")
	}
	if err := p.SetupIRQ(2, "cascade", func() {}); err == nil {
		t.Error("Expected the cascade line to be refused")
	}
	if err := p.SetupIRQ(16, "range", func() {}); err == nil {
		t.Error("Expected IRQ 16 to be refused")
	}
}

func TestPICDevice_SlaveLines(t *testing.T) {
	p := devices.NewPICDevice()
	p.Start()
	defer p.Close()

	done := make(chan struct{}, 1)
	if err := p.SetupIRQ(int(devices.PCI_SERIAL_IRQ), "pci", func() { done <- struct{}{} }); err != nil {
		t.Fatalf("SetupIRQ failed: %v", err)
	}
	p.RaiseIRQ(devices.PCI_SERIAL_IRQ)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for slave IRQ")
	}
}

func TestPCIHost_BARSizing(t *testing.T) {
	h := devices.NewPCIHost()
	bdf := pci.BDF{Bus: 1, Device: 0, Function: 0}
	h.AddFunction(bdf, devices.NewPCIFunction(pci.PCI_CLASS_SERIAL_SINGLE, false).WithIOBAR(0, 0xe000, 8))

	bar0 := pci.BAROffset(0)
	h.Write32(bdf, bar0, 0xFFFFFFFF)
	if size := h.Read32(bdf, bar0); size&0xFFFF != 0xFFF9 {
		t.Errorf("Expected size signature 0xfff9, got 0x%08x", size)
	}
	h.Write32(bdf, bar0, 0xe001)
	if v := h.Read32(bdf, bar0); v != 0xe001 {
		t.Errorf("Expected BAR restored to 0xe001, got 0x%08x", v)
	}

	absent := pci.BDF{Bus: 2}
	if v := h.Read16(absent, pci.PCI_CLASS_DEVICE); v != 0xFFFF {
		t.Errorf("Expected all-ones from an absent function, got 0x%04x", v)
	}

	h.HideDevice(bdf)
	if !h.Hidden(bdf) {
		t.Error("Expected function to be hidden")
	}
	if len(h.Writes()) != 2 {
		t.Errorf("Expected 2 recorded writes, got %d", len(h.Writes()))
	}
}

func TestPITDevice_VirtualTime(t *testing.T) {
	pit := devices.NewPITDevice()
	var fired []string

	a := pit.NewTimer(func() { fired = append(fired, "a") })
	var b interface{ Set(time.Duration) }
	b = pit.NewTimer(func() {
		fired = append(fired, "b")
		if len(fired) < 4 {
			b.Set(10 * time.Millisecond)
		}
	})

	a.Set(15 * time.Millisecond)
	b.Set(10 * time.Millisecond)

	if n := pit.Advance(5 * time.Millisecond); n != 0 {
		t.Errorf("Expected nothing to fire after 5ms, got %d", n)
	}
	if n := pit.Advance(30 * time.Millisecond); n != 4 {
		t.Errorf("Expected 4 expiries, got %d (%v)", n, fired)
	}
	want := []string{"b", "a", "b", "b"}
	for i := range want {
		if i >= len(fired) || fired[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, fired)
		}
	}

	a.Set(time.Millisecond)
	a.Stop()
	if n := pit.Advance(time.Second); n != 0 {
		t.Errorf("Expected a stopped timer not to fire, got %d", n)
	}
	if pit.Now() != 1035*time.Millisecond {
		t.Errorf("Expected virtual time 1.035s, got %v", pit.Now())
	}
}
