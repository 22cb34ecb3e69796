package testsupport

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

// PNG is a minimal payload whose header sniffs as image/png.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// PNGBase64 returns PNG as bare base64.
func PNGBase64() string {
	return base64.StdEncoding.EncodeToString(PNG)
}

// WriteImage writes PNG to path, creating parent directories.
func WriteImage(t testing.TB, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, PNG, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
