// Package artifact saves, archives and loads trained model files.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Brownie44l1/fruit-api/internal/model"
	"github.com/Brownie44l1/fruit-api/internal/nn"
	"github.com/klauspost/compress/zip"
)

// ParamsFileName returns the parameter file name for the given epoch.
func ParamsFileName(name string, epoch int) string {
	return fmt.Sprintf("%s-%04d.params", name, epoch)
}

// ZipFileName returns the archive file name of the model.
func ZipFileName(name string) string {
	return name + ".zip"
}

// parseEpoch returns the epoch encoded in a parameter file name.
func parseEpoch(fileName, name string) (int, bool) {
	s, ok := strings.CutPrefix(fileName, name+"-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".params")
	if !ok || s == "" {
		return 0, false
	}
	epoch, err := strconv.Atoi(s)
	if err != nil || epoch < 0 {
		return 0, false
	}
	return epoch, true
}

// Paths are the files written by Save.
type Paths struct {
	Params string
	Synset string
	Zip    string
}

// Save writes the parameters, the synset and an archive of both to dir.
func Save(dir, name string, epoch int, params []*nn.Param, synset []string, properties map[string]string) (*Paths, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}

	paramsPath := filepath.Join(dir, ParamsFileName(name, epoch))
	if err := writeParams(paramsPath, params, properties); err != nil {
		return nil, err
	}
	synsetPath, err := model.SaveSynset(dir, synset)
	if err != nil {
		return nil, err
	}
	zipPath := filepath.Join(dir, ZipFileName(name))
	if err := Zip(zipPath, paramsPath, synsetPath); err != nil {
		return nil, err
	}
	return &Paths{Params: paramsPath, Synset: synsetPath, Zip: zipPath}, nil
}

func writeParams(path string, params []*nn.Param, properties map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create params: %w", err)
	}
	if err := nn.SaveParams(f, params, properties); err != nil {
		_ = f.Close()
		return fmt.Errorf("save params: %w", err)
	}
	return f.Close()
}

// Zip writes the given files, flattened to their base names, to a new
// archive at dst. An existing archive is replaced.
func Zip(dst string, files ...string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".zip-*")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	zw := zip.NewWriter(tmp)
	for _, path := range files {
		if err := addFile(zw, path); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmp.Name(), dst)
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", header.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("add %s: %w", header.Name, err)
	}
	return nil
}

// Extract unpacks the archive into dir. Entries escaping dir are rejected.
func Extract(zipPath, dir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, f.Name)
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// FindParams returns the parameter file of the model with the highest epoch
// in dir.
func FindParams(dir, name string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("read model dir: %w", err)
	}
	best, bestEpoch := "", -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if epoch, ok := parseEpoch(e.Name(), name); ok && epoch > bestEpoch {
			best, bestEpoch = e.Name(), epoch
		}
	}
	if best == "" {
		return "", 0, fmt.Errorf("no parameter file for model %q in %s", name, dir)
	}
	return filepath.Join(dir, best), bestEpoch, nil
}

// Load builds a predictor from a model directory or archive produced by
// Save.
func Load(path, name string) (*model.NativePredictor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return loadDir(path, name)
	}
	return loadZip(path, name)
}

func loadDir(dir, name string) (*model.NativePredictor, error) {
	sf, err := os.Open(filepath.Join(dir, model.SynsetFileName))
	if err != nil {
		return nil, fmt.Errorf("open synset: %w", err)
	}
	defer func() { _ = sf.Close() }()
	synset, err := model.LoadSynset(sf)
	if err != nil {
		return nil, err
	}

	paramsPath, _, err := FindParams(dir, name)
	if err != nil {
		return nil, err
	}
	pf, err := os.Open(paramsPath)
	if err != nil {
		return nil, fmt.Errorf("open params: %w", err)
	}
	defer func() { _ = pf.Close() }()
	return model.NewNativePredictor(pf, synset)
}

func loadZip(path, name string) (*model.NativePredictor, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	var synsetFile, paramsFile *zip.File
	bestEpoch := -1
	for _, f := range zr.File {
		base := filepath.Base(f.Name)
		if base == model.SynsetFileName {
			synsetFile = f
			continue
		}
		if epoch, ok := parseEpoch(base, name); ok && epoch > bestEpoch {
			paramsFile, bestEpoch = f, epoch
		}
	}
	if synsetFile == nil {
		return nil, fmt.Errorf("archive %s has no %s", path, model.SynsetFileName)
	}
	if paramsFile == nil {
		return nil, fmt.Errorf("archive %s has no parameter file for model %q", path, name)
	}

	sr, err := synsetFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open synset: %w", err)
	}
	synset, err := model.LoadSynset(sr)
	_ = sr.Close()
	if err != nil {
		return nil, err
	}

	pr, err := paramsFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open params: %w", err)
	}
	defer func() { _ = pr.Close() }()
	return model.NewNativePredictor(pr, synset)
}
