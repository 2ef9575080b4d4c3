// Copyright The Swapd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config implements the line-oriented key=value configuration
// of the swap manager. Configuration is merged from several layered
// files, later files overriding earlier ones, and validated against
// the set of registered keys before any of it is acted on.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	logger "github.com/dynswap/swapd/pkg/log"
)

// Kind is the value type of a configuration key.
type Kind int

const (
	// String values are passed through as is.
	String Kind = iota
	// Bool values are coerced with truthy string matching.
	Bool
	// Int values are decimal integers, optionally range-checked.
	Int
	// Size values are byte sizes with an optional K/M/G/T suffix.
	Size
	// Enum values must be one of a fixed set of strings.
	Enum
)

// Spec describes a single configuration key.
type Spec struct {
	// Key is the name of the key.
	Key string
	// Kind is the value type of the key.
	Kind Kind
	// Default is the value used when the key is not set.
	Default string
	// Min and Max bound Int and Size values, both inclusive.
	// A Max of zero means unbounded above.
	Min int64
	Max int64
	// Enum lists the accepted values of an Enum key.
	Enum []string
}

// ValidationError describes a configuration value rejected during
// validation. Validation errors are fatal at startup, out-of-range
// values are never silently clamped.
type ValidationError struct {
	// Key is the offending configuration key.
	Key string
	// Value is the rejected value.
	Value string
	// Reason describes why the value was rejected.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid value %q for key %s: %s", e.Value, e.Key, e.Reason)
}

var (
	registry = map[string]*Spec{}
	regLock  sync.Mutex
	log      = logger.NewLogger("config")
)

// Register registers a configuration key. Keys are typically
// registered from an init function of the package owning them.
func Register(spec *Spec) {
	regLock.Lock()
	defer regLock.Unlock()

	if _, conflict := registry[spec.Key]; conflict {
		panic(fmt.Sprintf("config: key %q registered twice", spec.Key))
	}
	registry[spec.Key] = spec
}

// Store is a merged, layered set of configuration values.
type Store struct {
	specs  map[string]*Spec
	values map[string]string
	origin map[string]string
}

// NewStore creates an empty store over the registered keys.
func NewStore() *Store {
	regLock.Lock()
	defer regLock.Unlock()

	specs := make(map[string]*Spec, len(registry))
	for key, spec := range registry {
		specs[key] = spec
	}

	return &Store{
		specs:  specs,
		values: map[string]string{},
		origin: map[string]string{},
	}
}

// LoadFiles loads and merges the given files in order, later files
// overriding earlier ones. Missing files are skipped.
func (s *Store) LoadFiles(paths ...string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Debug("no configuration file %s, skipping", path)
				continue
			}
			return fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		s.Merge(string(data), path)
	}
	return nil
}

// Merge parses the given configuration data, overriding any values
// already in the store. Lines are expected in key=value format, empty
// lines and lines starting with '#' are ignored.
func (s *Store) Merge(data, origin string) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			log.Warn("%s: ignoring malformed line %q", origin, line)
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if _, known := s.specs[key]; !known {
			log.Warn("%s: ignoring unknown configuration key %q", origin, key)
			continue
		}

		s.values[key] = value
		s.origin[key] = origin
	}
}

// Set sets a single value, overriding any loaded one.
func (s *Store) Set(key, value string) {
	s.values[key] = value
	s.origin[key] = "override"
}

// Validate checks every set value against its key specification.
// All offending values are reported, not just the first one.
func (s *Store) Validate() error {
	var errs *multierror.Error

	for key, value := range s.values {
		if err := s.specs[key].validate(value); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func (spec *Spec) validate(value string) error {
	switch spec.Kind {
	case Bool, String:
		return nil

	case Int:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return &ValidationError{Key: spec.Key, Value: value, Reason: "not an integer"}
		}
		return spec.checkRange(value, v)

	case Size:
		v, err := ParseSize(value)
		if err != nil {
			return &ValidationError{Key: spec.Key, Value: value, Reason: err.Error()}
		}
		return spec.checkRange(value, int64(v))

	case Enum:
		for _, accept := range spec.Enum {
			if value == accept {
				return nil
			}
		}
		return &ValidationError{
			Key:    spec.Key,
			Value:  value,
			Reason: "must be one of " + strings.Join(spec.Enum, ", "),
		}
	}

	return nil
}

func (spec *Spec) checkRange(value string, v int64) error {
	if v < spec.Min || (spec.Max != 0 && v > spec.Max) {
		max := "unbounded"
		if spec.Max != 0 {
			max = strconv.FormatInt(spec.Max, 10)
		}
		return &ValidationError{
			Key:    spec.Key,
			Value:  value,
			Reason: fmt.Sprintf("out of range [%d, %s]", spec.Min, max),
		}
	}
	return nil
}

func (s *Store) spec(key string) *Spec {
	spec, ok := s.specs[key]
	if !ok {
		panic(fmt.Sprintf("config: lookup of unregistered key %q", key))
	}
	return spec
}

// GetString returns the value of the key, or its default.
func (s *Store) GetString(key string) string {
	if value, ok := s.values[key]; ok {
		return value
	}
	return s.spec(key).Default
}

// GetBool returns the boolean value of the key. A value is true if
// and only if it lowercases to one of yes, y, 1 or true. Everything
// else, including the empty string, is false.
func (s *Store) GetBool(key string) bool {
	switch strings.ToLower(s.GetString(key)) {
	case "yes", "y", "1", "true":
		return true
	}
	return false
}

// GetInt returns the integer value of the key.
func (s *Store) GetInt(key string) (int64, error) {
	value := s.GetString(key)
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &ValidationError{Key: key, Value: value, Reason: "not an integer"}
	}
	if err := s.spec(key).checkRange(value, v); err != nil {
		return 0, err
	}
	return v, nil
}

// GetSize returns the byte size value of the key.
func (s *Store) GetSize(key string) (uint64, error) {
	value := s.GetString(key)
	v, err := ParseSize(value)
	if err != nil {
		return 0, &ValidationError{Key: key, Value: value, Reason: err.Error()}
	}
	if err := s.spec(key).checkRange(value, int64(v)); err != nil {
		return 0, err
	}
	return v, nil
}

// IsSet checks if the key has an explicitly configured value.
func (s *Store) IsSet(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Dump returns the effective configuration, one key=value per line in
// key order, for logging.
func (s *Store) Dump() string {
	keys := make([]string, 0, len(s.specs))
	for key := range s.specs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		set := " (default)"
		if origin, ok := s.origin[key]; ok {
			set = " (" + origin + ")"
		}
		fmt.Fprintf(&b, "%s=%s%s\n", key, s.GetString(key), set)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// ParseSize parses a byte size with an optional K, M, G or T suffix.
// Suffixes are powers of 1024, an optional trailing B is accepted.
func ParseSize(value string) (uint64, error) {
	str := strings.TrimSpace(value)
	if str == "" {
		return 0, fmt.Errorf("empty size")
	}

	shift := uint(0)
	upper := strings.TrimSuffix(strings.ToUpper(str), "B")
	switch {
	case strings.HasSuffix(upper, "K"):
		shift, upper = 10, strings.TrimSuffix(upper, "K")
	case strings.HasSuffix(upper, "M"):
		shift, upper = 20, strings.TrimSuffix(upper, "M")
	case strings.HasSuffix(upper, "G"):
		shift, upper = 30, strings.TrimSuffix(upper, "G")
	case strings.HasSuffix(upper, "T"):
		shift, upper = 40, strings.TrimSuffix(upper, "T")
	}

	v, err := strconv.ParseUint(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}

	return v << shift, nil
}
