package run

import (
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Database backends the orchestrator knows how to compose.
const (
	DatabaseMySQL = "mysql"
	DatabaseFile  = "file"
)

// DefaultMountPath is where a cache claim lands in the container unless the
// metadata picks another path.
const DefaultMountPath = "/cache"

// Meta is the parsed secd.yml from the checkout. A missing file is legal and
// yields the defaults; unknown keys are ignored.
type Meta struct {
	// RunFor is the number of hours until the reaper force-terminates the run.
	RunFor       int    `mapstructure:"runfor"`
	GPU          bool   `mapstructure:"gpu"`
	DatabaseName string `mapstructure:"database_name"`
	DatabaseType string `mapstructure:"database_type"`
	CacheDir     string `mapstructure:"cache_dir"`
	MountPath    string `mapstructure:"mount_path"`
}

// DefaultMeta returns the metadata applied when the checkout carries no
// secd.yml.
func DefaultMeta() Meta {
	return Meta{
		RunFor:    3,
		GPU:       false,
		MountPath: DefaultMountPath,
	}
}

// LoadMeta reads and parses <checkout>/secd.yml. Absence of the file is not an
// error; malformed YAML or an unrecognized database_type is.
func LoadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultMeta(), nil
	}
	if err != nil {
		return Meta{}, errors.Wrap(err, "failed to read run metadata")
	}

	return ParseMeta(data)
}

// ParseMeta decodes raw secd.yml contents on top of the defaults. Values are
// decoded weakly so `runfor: "2"` and `runfor: 2` read the same.
func ParseMeta(data []byte) (Meta, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Meta{}, errors.Wrap(err, "failed to parse run metadata")
	}

	meta := DefaultMeta()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Meta{}, err
	}

	if err := decoder.Decode(raw); err != nil {
		return Meta{}, errors.Wrap(err, "failed to decode run metadata")
	}

	if meta.MountPath == "" {
		meta.MountPath = DefaultMountPath
	}

	switch meta.DatabaseType {
	case "", DatabaseMySQL, DatabaseFile:
	default:
		return Meta{}, errors.Errorf("unsupported database_type %q", meta.DatabaseType)
	}

	return meta, nil
}
