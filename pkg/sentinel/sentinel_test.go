package sentinel

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")

	if err := os.WriteFile(path, []byte("version-1"), 0o755); err != nil {
		t.Fatal(err)
	}

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}

	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if h1 != h2 {
		t.Error("hash of unchanged file should be stable")
	}

	if err := os.WriteFile(path, []byte("version-2"), 0o755); err != nil {
		t.Fatal(err)
	}
	h3, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if h1 == h3 {
		t.Error("hash should change when file content changes")
	}
}

func TestHashFileMissing(t *testing.T) {
	var zero [sha256.Size]byte
	h, err := HashFile(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if h != zero {
		t.Error("hash should be zero on error")
	}
}

func TestBackoffProgression(t *testing.T) {
	s := &Sentinel{backoff: InitialBackoff}

	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		320 * time.Second,
		600 * time.Second, // capped at MaxBackoff
	}
	for i, w := range want {
		s.increaseBackoff()
		if s.backoff != w {
			t.Errorf("step %d: backoff = %v, want %v", i, s.backoff, w)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	s := &Sentinel{backoff: MaxBackoff}
	s.increaseBackoff()
	if s.backoff != MaxBackoff {
		t.Errorf("backoff = %v, want cap %v", s.backoff, MaxBackoff)
	}
}

func TestSleepBackoffInterruptible(t *testing.T) {
	s := &Sentinel{
		backoff: 1 * time.Hour,
		stopCh:  make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		s.sleepBackoff()
		close(done)
	}()

	close(s.stopCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleepBackoff did not return after stopCh was closed")
	}
}

func TestConstants(t *testing.T) {
	if GracePeriod != 10*time.Second {
		t.Errorf("GracePeriod = %v", GracePeriod)
	}
	if InitialBackoff != 5*time.Second {
		t.Errorf("InitialBackoff = %v", InitialBackoff)
	}
	if MaxBackoff != 10*time.Minute {
		t.Errorf("MaxBackoff = %v", MaxBackoff)
	}
	if SuccessRunTime != 30*time.Second {
		t.Errorf("SuccessRunTime = %v", SuccessRunTime)
	}
	if DebounceInterval != 100*time.Millisecond {
		t.Errorf("DebounceInterval = %v", DebounceInterval)
	}
}
