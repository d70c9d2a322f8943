package build

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// PackageManager names a node package manager.
type PackageManager string

const (
	PackageManagerNPM  PackageManager = "npm"
	PackageManagerYarn PackageManager = "yarn"
	PackageManagerPNPM PackageManager = "pnpm"
)

func (pm PackageManager) String() string {
	if pm == "" {
		return string(PackageManagerNPM)
	}
	return string(pm)
}

type packageManifest struct {
	PackageManager string `json:"packageManager"`
}

// DetectPackageManager prefers the package.json packageManager field, then lock files.
func DetectPackageManager(dir string) PackageManager {
	if manifest, ok := loadPackageManifest(dir); ok {
		if parsed := parsePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return PackageManagerYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return PackageManagerPNPM
	default:
		return PackageManagerNPM
	}
}

// InstallCommand returns the dependency install command for pm.
func InstallCommand(pm PackageManager) string {
	switch pm {
	case PackageManagerYarn:
		return "yarn install"
	case PackageManagerPNPM:
		return "pnpm install"
	default:
		return "npm install"
	}
}

func parsePackageManager(value string) PackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return PackageManagerYarn
	case "pnpm":
		return PackageManagerPNPM
	case "npm":
		return PackageManagerNPM
	default:
		return ""
	}
}

func loadPackageManifest(dir string) (*packageManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
