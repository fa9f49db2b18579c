package txhash

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/theflywheel/txhash/pool"
)

// Options configures a Store. The zero value of every field selects its
// default.
type Options struct {
	// PoolSize is the size in bytes of a newly created pool file.
	PoolSize int64 `yaml:"pool_size"`
	// DirectoryCapacity is the number of table slots in a new pool. An
	// existing pool keeps the capacity it was created with.
	DirectoryCapacity int `yaml:"directory_capacity"`
	// DefaultBuckets sizes tables created implicitly by the id-addressed API.
	DefaultBuckets uint64 `yaml:"default_buckets"`
	// Seed, when non-zero, derives each table's hash parameters from the seed
	// and the table id instead of drawing them at random.
	Seed uint64 `yaml:"seed"`
	// MaxLoadFactor, when positive, doubles a table's bucket count after an
	// insert leaves more than MaxLoadFactor entries per bucket.
	MaxLoadFactor float64 `yaml:"max_load_factor"`
	// RehashMigrate lets Migrate move entries between tables of different
	// bucket counts.
	RehashMigrate bool `yaml:"rehash_migrate"`
	// NoSync skips fsync. Not crash safe against power loss.
	NoSync bool `yaml:"no_sync"`
	// CompressThreshold is the undo image size from which images are
	// compressed; negative disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
}

// Defaults applied to zero Options fields.
const (
	DefaultDirectoryCapacity = 6
	DefaultBuckets           = 16
)

// DefaultOptions returns the options Open uses when given nil.
func DefaultOptions() *Options {
	return &Options{
		PoolSize:          pool.DefaultSize,
		DirectoryCapacity: DefaultDirectoryCapacity,
		DefaultBuckets:    DefaultBuckets,
	}
}

func (o *Options) withDefaults() Options {
	out := *DefaultOptions()
	if o == nil {
		return out
	}
	in := *o
	if in.PoolSize == 0 {
		in.PoolSize = out.PoolSize
	}
	if in.DirectoryCapacity == 0 {
		in.DirectoryCapacity = out.DirectoryCapacity
	}
	if in.DefaultBuckets == 0 {
		in.DefaultBuckets = out.DefaultBuckets
	}
	return in
}

func (o Options) validate() error {
	if o.DirectoryCapacity < 1 {
		return fmt.Errorf("txhash: directory capacity %d must be positive", o.DirectoryCapacity)
	}
	if o.MaxLoadFactor < 0 {
		return fmt.Errorf("txhash: max load factor %v must not be negative", o.MaxLoadFactor)
	}
	return nil
}

func (o Options) poolOptions() *pool.Options {
	return &pool.Options{
		Size:              o.PoolSize,
		NoSync:            o.NoSync,
		CompressThreshold: o.CompressThreshold,
	}
}

// LoadOptions reads YAML options from path on top of DefaultOptions.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	opts := DefaultOptions()
	if err := yaml.UnmarshalStrict(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options %s: %w", path, err)
	}
	return opts, nil
}
