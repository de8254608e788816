// Package localfs lists model weights and datasets kept next to the bridge.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	modelExts   = []string{".gguf", ".bin", ".safetensors", ".safetensor"}
	datasetExts = []string{".jsonl", ".csv", ".txt"}
)

// Model is a weights file or a model directory.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size string `json:"size"`
}

// Dataset is a training data file.
type Dataset struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Size  string `json:"size"`
	Bytes int64  `json:"bytes"`
	Type  string `json:"type"`
}

// Inventory reads the models and datasets directories.
type Inventory struct {
	FS          afero.Fs
	ModelsDir   string
	DatasetsDir string
}

// New returns an inventory over the host filesystem.
func New(modelsDir, datasetsDir string) *Inventory {
	return &Inventory{FS: afero.NewOsFs(), ModelsDir: modelsDir, DatasetsDir: datasetsDir}
}

// Models lists directories and known weight files. A missing directory
// yields an empty list.
func (i *Inventory) Models() ([]Model, error) {
	entries, err := i.readDir(i.ModelsDir)
	if err != nil {
		return nil, err
	}
	models := []Model{}
	for _, e := range entries {
		switch {
		case e.IsDir():
			models = append(models, Model{ID: e.Name(), Name: e.Name(), Type: "Local Dir", Size: "Unknown"})
		case hasExt(e.Name(), modelExts):
			models = append(models, Model{ID: e.Name(), Name: e.Name(), Type: typeOf(e.Name()), Size: megabytes(e.Size())})
		}
	}
	return models, nil
}

// Datasets lists files with a known dataset extension.
func (i *Inventory) Datasets() ([]Dataset, error) {
	entries, err := i.readDir(i.DatasetsDir)
	if err != nil {
		return nil, err
	}
	datasets := []Dataset{}
	for _, e := range entries {
		if e.IsDir() || !hasExt(e.Name(), datasetExts) {
			continue
		}
		datasets = append(datasets, Dataset{
			ID:    e.Name(),
			Name:  e.Name(),
			Size:  megabytes(e.Size()),
			Bytes: e.Size(),
			Type:  typeOf(e.Name()),
		})
	}
	return datasets, nil
}

// DatasetPath resolves a dataset name inside the datasets directory.
func (i *Inventory) DatasetPath(name string) (string, error) {
	clean := filepath.Base(filepath.Clean(name))
	if clean != name || clean == "." || clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid dataset name %q", name)
	}
	path := filepath.Join(i.DatasetsDir, clean)
	if _, err := i.fs().Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func (i *Inventory) fs() afero.Fs {
	if i.FS == nil {
		return afero.NewOsFs()
	}
	return i.FS
}

func (i *Inventory) readDir(dir string) ([]os.FileInfo, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := afero.ReadDir(i.fs(), dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return entries, nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func typeOf(name string) string {
	return strings.ToUpper(strings.TrimPrefix(filepath.Ext(name), "."))
}

func megabytes(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/1024/1024)
}
