package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateString()

	if len(id) != 26 {
		t.Errorf("ULID should be 26 characters, got %d", len(id))
	}
}

func TestTypedIDGeneration(t *testing.T) {
	ids := map[string]string{
		CorrelationPrefix: string(NewCorrelationID()),
		SessionPrefix:     string(NewSessionID()),
		PanelPrefix:       string(NewPanelID()),
		WatcherPrefix:     string(NewWatcherID()),
		WindowPrefix:      string(NewWindowID()),
	}

	for prefix, id := range ids {
		if !HasPrefix(id, prefix) {
			t.Errorf("ID should have format '%s_ulid', got: %s", prefix, id)
		}
	}
}

func TestHasPrefixRejectsMalformed(t *testing.T) {
	cases := []string{"", "req_", "req_nope", "sess_" + NewGenerator().GenerateString()}
	for _, c := range cases {
		if HasPrefix(c, CorrelationPrefix) {
			t.Errorf("HasPrefix(%q, req) should be false", c)
		}
	}
}

func TestTimestamp(t *testing.T) {
	gen := NewGenerator()

	before := time.Now()
	id := gen.GenerateString()
	after := time.Now()

	ts, err := Timestamp(id)
	if err != nil {
		t.Fatalf("Failed to extract timestamp: %v", err)
	}

	if ts.UnixMilli() < before.UnixMilli() || ts.UnixMilli() > after.UnixMilli() {
		t.Errorf("Timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	const goroutines = 50
	const idsPerGoroutine = 100

	var wg sync.WaitGroup
	idChan := make(chan string, goroutines*idsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				idChan <- gen.GenerateString()
			}
		}()
	}

	wg.Wait()
	close(idChan)

	seen := make(map[string]bool)
	for id := range idChan {
		if seen[id] {
			t.Errorf("Duplicate ID found in concurrent generation: %s", id)
		}
		seen[id] = true
	}
}

func TestMonotonicWithinMillisecond(t *testing.T) {
	gen := NewGenerator()

	prev := gen.GenerateString()
	for i := 0; i < 100; i++ {
		next := gen.GenerateString()
		if next <= prev {
			t.Fatalf("IDs should be strictly increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestMachineSession(t *testing.T) {
	a, b := MachineSession(), MachineSession()
	if a == b || len(a) != 36 || strings.Count(a, "-") != 4 {
		t.Errorf("unexpected machine session ids %q %q", a, b)
	}
}

func BenchmarkGenerateWithPrefix(b *testing.B) {
	gen := NewGenerator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gen.GenerateWithPrefix(CorrelationPrefix)
	}
}
