package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	projectVersionFile   = "PROJECT_VERSION"
	projectBuildDateFile = "PROJECT_BUILD_DATE"
	projectCommitFile    = "PROJECT_COMMIT_HASH"
)

type BuildConfig struct {
	GitTag    string
	GitHash   string
	BuildDate uint64
}

// ReadBuildVersion reads the build info files written into dir by the
// release pipeline.
func ReadBuildVersion(dir string) (*BuildConfig, error) {
	version, err := readTrimmed(dir, projectVersionFile)
	if err != nil {
		return nil, err
	}

	commit, err := readTrimmed(dir, projectCommitFile)
	if err != nil {
		return nil, err
	}

	buildDateStr, err := readTrimmed(dir, projectBuildDateFile)
	if err != nil {
		return nil, err
	}

	buildDate, err := time.Parse(time.RFC3339, buildDateStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid build date")
	}

	return &BuildConfig{
		GitTag:    version,
		GitHash:   commit,
		BuildDate: uint64(buildDate.Unix()),
	}, nil
}

func readTrimmed(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}
