package eeprom

import (
	"testing"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/machine/config"
)

func testDefaults() map[string]float64 {
	return map[string]float64{
		"default_velocity":   50.0,
		"default_accel":      500.0,
		"junction_deviation": 0.05,
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	runtime := config.NewRuntimeStore()
	runtime.Set("default_velocity", 123.5)
	runtime.Set("junction_deviation", 0.2)

	backing := NewMemStorage(256)
	s := New(backing, runtime, testDefaults())

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	runtime2 := config.NewRuntimeStore()
	s2 := New(backing, runtime2, testDefaults())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if v, ok := runtime2.Get("default_velocity"); !ok || v != 123.5 {
		t.Errorf("default_velocity = %v, %v, want 123.5, true", v, ok)
	}
	if v, ok := runtime2.Get("junction_deviation"); !ok || v != 0.2 {
		t.Errorf("junction_deviation = %v, %v, want 0.2, true", v, ok)
	}
	if v, ok := runtime2.Get("default_accel"); !ok || v != 500.0 {
		t.Errorf("default_accel = %v, %v, want its unset factory default 500.0, true", v, ok)
	}
}

func TestStoreLoadRejectsFormatMismatch(t *testing.T) {
	runtime := config.NewRuntimeStore()
	backing := NewMemStorage(256)
	s := New(backing, runtime, testDefaults())
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A declared-option set that hashes differently than what was saved.
	otherDefaults := map[string]float64{"default_velocity": 1, "default_accel": 2}
	s2 := New(backing, config.NewRuntimeStore(), otherDefaults)
	if err := s2.Load(); err != aperr.ErrEEPROMFormat {
		t.Errorf("Load() = %v, want aperr.ErrEEPROMFormat", err)
	}
}

func TestStoreLoadRejectsUninitializedStorage(t *testing.T) {
	runtime := config.NewRuntimeStore()
	backing := NewMemStorage(256) // all zero: magic won't match
	s := New(backing, runtime, testDefaults())

	if err := s.Load(); err != aperr.ErrEEPROMFormat {
		t.Errorf("Load() = %v, want aperr.ErrEEPROMFormat on a blank block", err)
	}
}

func TestStoreResetRestoresFactoryDefaults(t *testing.T) {
	runtime := config.NewRuntimeStore()
	runtime.Set("default_velocity", 999)
	s := New(NewMemStorage(256), runtime, testDefaults())

	s.Reset()

	if v, _ := runtime.Get("default_velocity"); v != 50.0 {
		t.Errorf("default_velocity after Reset = %v, want 50.0", v)
	}
}

func TestStoreDumpReportsCurrentOrDefaultValues(t *testing.T) {
	runtime := config.NewRuntimeStore()
	runtime.Set("default_velocity", 77)
	s := New(NewMemStorage(256), runtime, testDefaults())

	dump := s.Dump()
	if dump["default_velocity"] != 77 {
		t.Errorf("dump[default_velocity] = %v, want 77", dump["default_velocity"])
	}
	if dump["default_accel"] != 500.0 {
		t.Errorf("dump[default_accel] = %v, want its factory default 500.0", dump["default_accel"])
	}
	if len(dump) != len(testDefaults()) {
		t.Errorf("dump has %d entries, want %d", len(dump), len(testDefaults()))
	}
}

func TestMemStorageOutOfRangeAccess(t *testing.T) {
	m := NewMemStorage(16)
	buf := make([]byte, 8)
	if err := m.WriteBlock(12, buf); err != aperr.ErrOutOfRange {
		t.Errorf("WriteBlock past the end = %v, want aperr.ErrOutOfRange", err)
	}
	if err := m.ReadBlock(12, buf); err != aperr.ErrOutOfRange {
		t.Errorf("ReadBlock past the end = %v, want aperr.ErrOutOfRange", err)
	}
}

func TestMemStorageReadWriteRoundTrip(t *testing.T) {
	m := NewMemStorage(16)
	want := []byte{1, 2, 3, 4}
	if err := m.WriteBlock(4, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, 4)
	if err := m.ReadBlock(4, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d = %v, want %v", i, got[i], want[i])
		}
	}
}
