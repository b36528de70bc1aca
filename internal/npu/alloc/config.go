package alloc

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// EnvAllocConf is the environment variable the allocator reads once at init,
// per spec.md §6.
const EnvAllocConf = "PYTORCH_NPU_ALLOC_CONF"

// Config is the immutable result of parsing EnvAllocConf, following the
// "parse once at init into an immutable config record" guidance in
// spec.md §9.
type Config struct {
	// MaxSplitSizeBytes is max_split_size_mb converted to bytes. Zero means
	// unconfigured ("infinite": never reject a split, never treat a block
	// as oversize).
	MaxSplitSizeBytes uint64

	// GarbageCollectionThreshold is garbage_collection_threshold, a
	// fraction in (0, 1) of the memory-fraction cap above which the
	// fragmentation GC triggers. Zero means disabled.
	GarbageCollectionThreshold float64
}

// LoadConfigFromEnv parses EnvAllocConf from the process environment.
func LoadConfigFromEnv() (Config, error) {
	return ParseConfig(os.Getenv(EnvAllocConf))
}

// ParseConfig parses the comma-separated key:value allocator configuration
// string described in spec.md §6.
func ParseConfig(raw string) (Config, error) {
	var cfg Config
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cfg, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			return Config{}, errors.Newf("alloc: malformed %s entry %q, want key:value", EnvAllocConf, pair)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "max_split_size_mb":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Config{}, errors.Wrapf(err, "alloc: invalid max_split_size_mb %q", value)
			}
			if n <= 20 {
				return Config{}, errors.Newf("alloc: max_split_size_mb must be > 20, got %d", n)
			}
			cfg.MaxSplitSizeBytes = n << 20
		case "garbage_collection_threshold":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Config{}, errors.Wrapf(err, "alloc: invalid garbage_collection_threshold %q", value)
			}
			if f <= 0 || f >= 1 {
				return Config{}, errors.Newf("alloc: garbage_collection_threshold must be in (0, 1), got %v", f)
			}
			cfg.GarbageCollectionThreshold = f
		default:
			return Config{}, errors.Newf("alloc: unknown %s key %q", EnvAllocConf, key)
		}
	}

	return cfg, nil
}
