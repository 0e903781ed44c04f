package sprite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/khankhulgun/offlinemap/apierror"
)

// Locate returns the file and content type of a style's sprite asset. name is
// a file name such as sprite@2x.png or sprite.json.
func Locate(stylesDir, styleID, name string) (string, string, error) {
	if !safe(styleID) || !safe(name) {
		return "", "", fmt.Errorf("sprite %s/%s: %w", styleID, name, apierror.ErrNotFound)
	}

	var contentType string
	switch filepath.Ext(name) {
	case ".png":
		contentType = "image/png"
	case ".json":
		contentType = "application/json"
	default:
		return "", "", fmt.Errorf("sprite %s/%s: %w", styleID, name, apierror.ErrNotFound)
	}

	path := filepath.Join(stylesDir, styleID, "sprites", name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", "", fmt.Errorf("sprite %s/%s: %w", styleID, name, apierror.ErrNotFound)
	}
	return path, contentType, nil
}

func safe(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
