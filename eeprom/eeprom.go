// Package eeprom implements the EEPROM-shaped persistence backend from
// §6: a header block (`magic`, `format_hash`) followed by packed option
// values in declaration order, round-tripped by M500/M501/M502/M503.
//
// Grounded structurally on core/dictionary.go's name-keyed table idiom
// (sorted names, stable offset assignment) repurposed from a
// name→command-ID table into a name→byte-offset table. The CRC-32
// format hash uses the standard library's hash/crc32, matching §6's own
// "hash is a CRC-32" wording exactly — no third-party checksum package
// is warranted for a single stdlib-covered algorithm.
package eeprom

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"sort"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/machine/config"
)

// Magic identifies a valid header block (§6).
const Magic uint32 = 0xB3CF9267

const headerSize = 8 // magic (u32) + format_hash (u32)
const valueSize = 8  // one float64 per declared option

// Storage is the raw block device persistence is layered over.
// Grounded on stepper.Backend's pattern of a narrow, package-local,
// host-testable hardware interface.
type Storage interface {
	ReadBlock(offset uint32, buf []byte) error
	WriteBlock(offset uint32, buf []byte) error
	Size() uint32
}

// Store implements the M500/M501/M502/M503 persistence round-trip for
// a config.RuntimeStore over a Storage backend.
type Store struct {
	backing  Storage
	runtime  *config.RuntimeStore
	defaults map[string]float64
}

// New builds a Store. defaults is the full declared option list (name
// → factory default); it also fixes the offset table's declaration
// order (sorted by name) independent of which options happen to be
// Set in runtime at any given moment.
func New(backing Storage, runtime *config.RuntimeStore, defaults map[string]float64) *Store {
	return &Store{backing: backing, runtime: runtime, defaults: defaults}
}

func (s *Store) names() []string {
	names := make([]string, 0, len(s.defaults))
	for name := range s.defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatHash(names []string) uint32 {
	crc := crc32.NewIEEE()
	for _, n := range names {
		crc.Write([]byte(n))
		crc.Write([]byte{0})
	}
	return crc.Sum32()
}

// Save writes the header and every declared option's current value (or
// its factory default, if never Set) to the backing store in
// declaration order (M500).
func (s *Store) Save() error {
	names := s.names()
	buf := make([]byte, headerSize+len(names)*valueSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatHash(names))

	for i, name := range names {
		v, ok := s.runtime.Get(name)
		if !ok {
			v = s.defaults[name]
		}
		off := headerSize + i*valueSize
		binary.LittleEndian.PutUint64(buf[off:off+valueSize], math.Float64bits(v))
	}
	return s.backing.WriteBlock(0, buf)
}

// Load reads the header and restores every declared option's value
// from the backing store (M501). A magic or format-hash mismatch
// returns aperr.ErrEEPROMFormat without modifying the runtime overlay;
// callers then typically fall back to Reset.
func (s *Store) Load() error {
	names := s.names()
	total := headerSize + len(names)*valueSize
	buf := make([]byte, total)
	if err := s.backing.ReadBlock(0, buf); err != nil {
		return err
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	hash := binary.LittleEndian.Uint32(buf[4:8])
	if magic != Magic || hash != formatHash(names) {
		return aperr.ErrEEPROMFormat
	}

	values := make(map[string]float64, len(names))
	for i, name := range names {
		off := headerSize + i*valueSize
		values[name] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+valueSize]))
	}
	s.runtime.Restore(values)
	return nil
}

// Reset restores every declared option to its factory default in the
// runtime overlay, without touching the backing store (M502).
func (s *Store) Reset() {
	values := make(map[string]float64, len(s.defaults))
	for name, v := range s.defaults {
		values[name] = v
	}
	s.runtime.Restore(values)
}

// Dump returns every declared option's current value (factory default
// if unset), for M503 reporting.
func (s *Store) Dump() map[string]float64 {
	names := s.names()
	out := make(map[string]float64, len(names))
	for _, name := range names {
		if v, ok := s.runtime.Get(name); ok {
			out[name] = v
		} else {
			out[name] = s.defaults[name]
		}
	}
	return out
}

// MemStorage is an in-memory Storage, standing in for a real flash/
// EEPROM block device on host builds and in tests.
type MemStorage struct {
	data []byte
}

// NewMemStorage allocates a zeroed backing store of the given size.
func NewMemStorage(size uint32) *MemStorage {
	return &MemStorage{data: make([]byte, size)}
}

func (m *MemStorage) Size() uint32 { return uint32(len(m.data)) }

func (m *MemStorage) ReadBlock(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(len(m.data)) {
		return aperr.ErrOutOfRange
	}
	copy(buf, m.data[offset:])
	return nil
}

func (m *MemStorage) WriteBlock(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(len(m.data)) {
		return aperr.ErrOutOfRange
	}
	copy(m.data[offset:], buf)
	return nil
}
