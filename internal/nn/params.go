package nn

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"gorgonia.org/tensor"
)

// Parameters are stored as an npz archive: one ".npy" entry per parameter,
// written by the tensor npy codec, plus a JSON entry with string metadata.

const (
	metadataEntry = "__metadata__.json"
	npyExt        = ".npy"
)

// SaveParams writes params and string metadata to w.
func SaveParams(w io.Writer, params []*Param, metadata map[string]string) error {
	zw := zip.NewWriter(w)
	seen := map[string]bool{}
	for _, p := range params {
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true

		f, err := zw.Create(p.Name + npyExt)
		if err != nil {
			return fmt.Errorf("create %s: %w", p.Name, err)
		}
		bw := bufio.NewWriter(f)
		if err := p.Value.WriteNpy(bw); err != nil {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
	}

	if len(metadata) > 0 {
		f, err := zw.Create(metadataEntry)
		if err != nil {
			return fmt.Errorf("create metadata: %w", err)
		}
		if err := json.NewEncoder(f).Encode(metadata); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}
	return zw.Close()
}

// LoadParams reads a parameter archive into params, which must already be
// initialized with matching names and shapes. It returns the stored metadata.
func LoadParams(r io.Reader, params []*Param) (map[string]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open params archive: %w", err)
	}
	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	metadata := map[string]string{}
	if f, ok := entries[metadataEntry]; ok {
		if err := readMetadata(f, &metadata); err != nil {
			return nil, err
		}
	}

	for _, p := range params {
		f, ok := entries[p.Name+npyExt]
		if !ok {
			return nil, fmt.Errorf("parameter %q not found", p.Name)
		}
		if err := readParam(f, p); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
	}
	return metadata, nil
}

func readMetadata(f *zip.File, metadata *map[string]string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open metadata: %w", err)
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(metadata); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}

func readParam(f *zip.File, p *Param) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	t := new(tensor.Dense)
	if err := t.ReadNpy(bufio.NewReader(rc)); err != nil {
		return err
	}
	if t.Dtype() != tensor.Float32 {
		return fmt.Errorf("unsupported dtype %v", t.Dtype())
	}
	if want := Dims(p.Value); !sameShape(t.Shape(), want) {
		return fmt.Errorf("shape %v, want %v", t.Shape(), want)
	}
	copy(Data(p.Value), t.Data().([]float32))
	return nil
}
