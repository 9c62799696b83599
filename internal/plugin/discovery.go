package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

// Discover scans a single pluginsDir for exec plugins.
func Discover(pluginsDir string, logger func(level, msg string, args ...any)) ([]Plugin, error) {
	return DiscoverMany([]string{pluginsDir}, logger)
}

// DiscoverMany scans plugin roots for manifest.yaml files and returns the valid
// plugins in discovery order. Invalid plugins are logged and skipped.
// Duplicate names keep the first discovered plugin.
func DiscoverMany(pluginRoots []string, logger func(level, msg string, args ...any)) ([]Plugin, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(pluginRoots))
	seenRoots := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}

	var found []Plugin
	byName := make(map[string]*ExecPlugin)
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginPath := filepath.Dir(path)
			p, err := loadPlugin(pluginPath, root)
			if err != nil {
				logger("warn", "failed to load plugin", "root", root, "path", pluginPath, "error", err.Error())
				return nil
			}

			if existing, ok := byName[p.name]; ok {
				logger("warn", "duplicate plugin ignored (keeping first discovered)",
					"plugin", p.name, "ignored_path", p.Path, "kept_path", existing.Path)
				return nil
			}
			byName[p.name] = p

			logger("info", "loaded plugin", "plugin", p.name, "path", p.Path, "version", p.Version, "handler", p.manifest.Handler)
			if p.manifest.supports("authorize") {
				found = append(found, &authorizingExecPlugin{p})
			} else {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	return found, nil
}

// loadPlugin reads and validates a single plugin directory.
func loadPlugin(pluginPath, pluginsDir string) (*ExecPlugin, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if manifest.Protocol != supportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", manifest.Protocol, supportedProtocol)
	}

	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)
	if err := validateTrustInRoots(entrypointPath, pluginPath, []string{pluginsDir}); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return newExecPlugin(manifest, pluginPath, entrypointPath), nil
}

// validateTrustInRoots enforces that the entrypoint resolves inside the plugin
// directory and an approved root, is executable, and that the plugin
// directory is not world-writable.
func validateTrustInRoots(entrypointPath, pluginPath string, pluginRoots []string) error {
	if len(pluginRoots) == 0 {
		return fmt.Errorf("no plugin roots configured")
	}

	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	inApprovedRoot := false
	for _, root := range pluginRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
			inApprovedRoot = true
			break
		}
	}
	if !inApprovedRoot {
		return fmt.Errorf("entrypoint %s is not under any configured plugin root", resolvedEntrypoint)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
