package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/preftune/preftune/internal/tensor"
)

// State container: "PFTS" magic, u32 version, u32 tensor count, then per
// tensor a u16-length name, u32 rows, u32 cols, and rows*cols float32
// values. Everything little-endian.
const (
	stateVersion = 1

	// ConfigFileName sits next to the weights in a pretrained directory
	ConfigFileName = "config.json"
	// WeightsFileName holds the state container in a pretrained directory
	WeightsFileName = "model.bin"
)

var stateMagic = [4]byte{'P', 'F', 'T', 'S'}

// WriteTensorFile writes named tensors to path atomically (tmp + rename)
func WriteTensorFile(path string, entries []NamedTensor) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}

	if err := writeTensors(f, entries); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move state file into place: %w", err)
	}
	return nil
}

func writeTensors(f *os.File, entries []NamedTensor) error {
	w := bufio.NewWriterSize(f, 1<<20)

	if _, err := w.Write(stateMagic[:]); err != nil {
		return fmt.Errorf("failed to write state header: %w", err)
	}
	header := []uint32{stateVersion, uint32(len(entries))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write state header: %w", err)
	}

	for _, e := range entries {
		if len(e.Name) > math.MaxUint16 {
			return fmt.Errorf("tensor name %q too long", e.Name)
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(e.Name))); err != nil {
			return fmt.Errorf("failed to write tensor %q: %w", e.Name, err)
		}
		if _, err := w.WriteString(e.Name); err != nil {
			return fmt.Errorf("failed to write tensor %q: %w", e.Name, err)
		}
		dims := []uint32{uint32(e.T.Rows), uint32(e.T.Cols)}
		if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
			return fmt.Errorf("failed to write tensor %q: %w", e.Name, err)
		}
		vals := make([]float32, len(e.T.W))
		for i, v := range e.T.W {
			vals[i] = float32(v)
		}
		if err := binary.Write(w, binary.LittleEndian, vals); err != nil {
			return fmt.Errorf("failed to write tensor %q: %w", e.Name, err)
		}
	}

	return w.Flush()
}

// ReadTensorFile reads a state container in file order
func ReadTensorFile(path string) ([]NamedTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read state header: %w", err)
	}
	if magic != stateMagic {
		return nil, fmt.Errorf("not a state file: bad magic %q", magic[:])
	}
	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read state header: %w", err)
	}
	if header[0] != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d", header[0])
	}

	count := int(header[1])
	entries := make([]NamedTensor, 0, count)
	for i := 0; i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("failed to read tensor %d: %w", i, err)
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, fmt.Errorf("failed to read tensor %d: %w", i, err)
		}
		name := string(nameBytes)

		var dims [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
			return nil, fmt.Errorf("failed to read tensor %q: %w", name, err)
		}
		rows, cols := int(dims[0]), int(dims[1])
		if rows < 1 || cols < 1 {
			return nil, fmt.Errorf("tensor %q has invalid shape %dx%d", name, rows, cols)
		}
		vals := make([]float32, rows*cols)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return nil, fmt.Errorf("failed to read tensor %q: %w", name, err)
		}
		t := tensor.New(rows, cols)
		for j, v := range vals {
			t.W[j] = float64(v)
		}
		entries = append(entries, NamedTensor{Name: name, T: t})
	}
	return entries, nil
}

// SaveState writes the model parameters as a raw state container
func (m *Model) SaveState(path string) error {
	return WriteTensorFile(path, m.NamedParams())
}

// LoadState layers a raw state container onto this model. Every parameter
// must be present with a matching shape and no extra tensors may appear.
func (m *Model) LoadState(path string) error {
	entries, err := ReadTensorFile(path)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		dst, ok := m.params[e.Name]
		if !ok {
			return fmt.Errorf("state file has unknown tensor %q", e.Name)
		}
		if dst.Rows != e.T.Rows || dst.Cols != e.T.Cols {
			return fmt.Errorf("tensor %q shape %dx%d does not match model %dx%d",
				e.Name, e.T.Rows, e.T.Cols, dst.Rows, dst.Cols)
		}
		copy(dst.W, e.T.W)
		seen[e.Name] = true
	}
	for _, name := range m.names {
		if !seen[name] {
			return fmt.Errorf("state file is missing tensor %q", name)
		}
	}
	return nil
}

// SavePretrained writes the pretrained directory form: config.json plus
// the weight container
func (m *Model) SavePretrained(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model config: %w", err)
	}
	cfgPath := filepath.Join(dir, ConfigFileName)
	tmp := cfgPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}
	if err := os.Rename(tmp, cfgPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move model config into place: %w", err)
	}

	return m.SaveState(filepath.Join(dir, WeightsFileName))
}

// LoadPretrained reads a directory written by SavePretrained
func LoadPretrained(dir string) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	m, err := New(cfg, 0)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(filepath.Join(dir, WeightsFileName)); err != nil {
		return nil, err
	}
	return m, nil
}
