package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lmbridge/internal/common/fsutil"
	"lmbridge/pkg/types"
)

// modelExts lists file extensions considered model candidates.
var modelExts = map[string]bool{
	".gguf":   true,
	".task":   true,
	".bin":    true,
	".tflite": true,
}

// LoadDir scans a directory for model files and builds a registry from filenames.
// ID is the full filename; Name drops the extension. Files whose header cannot
// be read are skipped. The result is sorted by ID.
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !modelExts[ext] {
			continue
		}
		p := filepath.Join(abs, name)
		format, err := Sniff(p)
		if err != nil {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		models = append(models, types.Model{
			ID:        name,
			Name:      strings.TrimSuffix(name, filepath.Ext(name)),
			Path:      p,
			Format:    string(format),
			SizeBytes: size,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Lookup returns the model with the given id.
func Lookup(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return types.Model{}, false
}
