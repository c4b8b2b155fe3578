// Package source resolves operator source identifiers to local, canonical file paths,
// downloading remote operators into a deterministic cache location when needed.
package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.uber.org/zap"
)

// DefaultCacheDir is the relative build directory remote operators are fetched into.
const DefaultCacheDir = "build"

// OperatorExt is the file extension of cached JavaScript operators.
const OperatorExt = ".js"

// Fetcher downloads a remote resource into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, targetPath string) error
}

// Locator resolves operator sources.
type Locator struct {
	// Fetcher downloads remote sources. Remote sources fail to resolve when nil.
	Fetcher Fetcher

	// CacheDir is the directory remote operators are cached in. Defaults to DefaultCacheDir.
	CacheDir string

	// AlwaysFetch re-downloads remote sources even when a cached copy exists.
	AlwaysFetch bool

	Logger *zap.Logger
}

// IsURL reports whether source denotes a remote resource. A source is remote
// when it parses as an absolute URL with a host and a scheme other than "file".
// Windows drive paths such as C:\op.js are not URLs.
func IsURL(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	if len(u.Scheme) < 2 || strings.EqualFold(u.Scheme, "file") {
		return false
	}
	return u.Host != ""
}

// CachePath returns the deterministic cache location for a remote operator.
func CachePath(cacheDir string, nodeID operator.NodeID, operatorID operator.OperatorID) string {
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	return filepath.Join(cacheDir, string(nodeID), string(operatorID)+OperatorExt)
}

// Locate resolves source to an existing, canonical local path. Remote sources are
// fetched into CachePath first; an existing cache file is used as-is unless
// AlwaysFetch is set. Every failure is a StartupFault.
func (l *Locator) Locate(ctx context.Context, source string, nodeID operator.NodeID, operatorID operator.OperatorID) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var path string
	switch {
	case IsURL(source):
		target := CachePath(l.CacheDir, nodeID, operatorID)
		if err := l.fetch(ctx, logger, source, target); err != nil {
			return "", err
		}
		path = target
	case strings.HasPrefix(strings.ToLower(source), "file://"):
		u, err := url.Parse(source)
		if err != nil {
			return "", derrors.Startup(fmt.Sprintf("invalid file URL `%s`", source), fmt.Errorf("%w: %w", derrors.ErrUnresolvablePath, err))
		}
		path = filepath.FromSlash(u.Path)
	default:
		path = source
	}

	if _, err := os.Stat(path); err != nil {
		return "", derrors.Startup(fmt.Sprintf("no JavaScript file exists at %s", path), fmt.Errorf("%w: %w", derrors.ErrNoFile, err))
	}

	canonical, err := canonicalize(path)
	if err != nil {
		return "", derrors.Startup(fmt.Sprintf("no file found at `%s`", path), fmt.Errorf("%w: %w", derrors.ErrUnresolvablePath, err))
	}

	logger.Debug("Resolved operator source",
		zap.String("source", source),
		zap.String("path", canonical))
	return canonical, nil
}

func (l *Locator) fetch(ctx context.Context, logger *zap.Logger, source, target string) error {
	if !l.AlwaysFetch {
		if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
			logger.Info("Using cached operator source",
				zap.String("source", source),
				zap.String("path", target))
			return nil
		}
	}

	if l.Fetcher == nil {
		return derrors.Startup(fmt.Sprintf("no fetcher configured for remote source %s", source), derrors.ErrFetchFailed)
	}

	logger.Info("Downloading operator source",
		zap.String("source", source),
		zap.String("path", target))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return derrors.Startup("failed to create operator cache directory", fmt.Errorf("%w: %w", derrors.ErrFetchFailed, err))
	}
	if err := l.Fetcher.Fetch(ctx, source, target); err != nil {
		logger.Error("Failed to download operator source",
			zap.String("source", source),
			zap.Error(err))
		return derrors.Startup(fmt.Sprintf("failed to download JavaScript operator from %s", source), fmt.Errorf("%w: %w", derrors.ErrFetchFailed, err))
	}
	return nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// writeFileAtomic writes data next to target and renames it into place so a
// partially downloaded operator is never observed at the cache path.
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}
