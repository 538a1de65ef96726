package audio

import (
	"os"
	"path/filepath"
	"strings"
)

var trackExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".flac": true,
	".m4a":  true,
}

// Tracks lists the playable files directly inside folder, sorted by name.
// A missing folder yields no tracks and no error.
func Tracks(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if trackExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.Join(folder, e.Name()))
		}
	}
	return out, nil
}
