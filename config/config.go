// Package config loads client and per-query defaults from YAML or TOML.
//
//	client:
//	  namespace: events
//	  staleTime: 30s
//	  gcTime: 5m
//	  retry: 3
//	  retryDelay: 1s
//	  retryMaxDelay: 30s
//	  refetchType: active
//	  persistTTL: 1d
//	queries:
//	  - key: ["events"]
//	    staleTime: 1m
//	  - key: ["users", {role: admin}]
//	    gcTime: infinite
//	    retry: 0
//
// Durations accept Go syntax plus days and weeks ("1d", "2w"), and
// "infinite" for a value that never elapses. The same document in TOML:
//
//	[client]
//	namespace = "events"
//	staleTime = "30s"
//
//	[[queries]]
//	key = ["users", {role = "admin"}]
//	gcTime = "infinite"
package config

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Infinite is the duration "infinite" parses to.
const Infinite time.Duration = math.MaxInt64

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration that unmarshals from human strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", n.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	if time.Duration(d) == Infinite {
		return "infinite", nil
	}
	return str2duration.String(time.Duration(d)), nil
}

// UnmarshalText lets TOML (and any other text decoder) read durations.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	v, _ := d.MarshalYAML()
	return []byte(v.(string)), nil
}

// ParseDuration parses s. "infinite" and "inf" map to Infinite.
func ParseDuration(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "infinite", "inf":
		return Infinite, nil
	case "":
		return 0, errors.Mark(errors.New("empty duration"), ErrInvalid)
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "duration %q", s), ErrInvalid)
	}
	if v < 0 {
		return 0, errors.Mark(errors.Newf("negative duration %q", s), ErrInvalid)
	}
	return v, nil
}

// Client holds client-wide defaults. Nil fields keep the built-in default.
type Client struct {
	Namespace     string    `yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	StaleTime     *Duration `yaml:"staleTime,omitempty" toml:"staleTime,omitempty"`
	GCTime        *Duration `yaml:"gcTime,omitempty" toml:"gcTime,omitempty"`
	Retry         *int      `yaml:"retry,omitempty" toml:"retry,omitempty"`
	RetryDelay    *Duration `yaml:"retryDelay,omitempty" toml:"retryDelay,omitempty"`
	RetryMaxDelay *Duration `yaml:"retryMaxDelay,omitempty" toml:"retryMaxDelay,omitempty"`
	RefetchType   string    `yaml:"refetchType,omitempty" toml:"refetchType,omitempty"`
	PersistTTL    *Duration `yaml:"persistTTL,omitempty" toml:"persistTTL,omitempty"`
}

// Query holds defaults for every key under Key.
type Query struct {
	Key           []any     `yaml:"key" toml:"key"`
	StaleTime     *Duration `yaml:"staleTime,omitempty" toml:"staleTime,omitempty"`
	GCTime        *Duration `yaml:"gcTime,omitempty" toml:"gcTime,omitempty"`
	Retry         *int      `yaml:"retry,omitempty" toml:"retry,omitempty"`
	RetryDelay    *Duration `yaml:"retryDelay,omitempty" toml:"retryDelay,omitempty"`
	RetryMaxDelay *Duration `yaml:"retryMaxDelay,omitempty" toml:"retryMaxDelay,omitempty"`
}

type File struct {
	Client  Client  `yaml:"client" toml:"client"`
	Queries []Query `yaml:"queries,omitempty" toml:"queries,omitempty"`
}

var refetchTypes = map[string]bool{"": true, "active": true, "inactive": true, "all": true, "none": true}

func (f *File) Validate() error {
	if !refetchTypes[f.Client.RefetchType] {
		return errors.Mark(errors.Newf("unknown refetchType %q", f.Client.RefetchType), ErrInvalid)
	}
	if r := f.Client.Retry; r != nil && *r < 0 {
		return errors.Mark(errors.New("client.retry must be >= 0"), ErrInvalid)
	}
	for i, q := range f.Queries {
		if len(q.Key) == 0 {
			return errors.Mark(errors.Newf("queries[%d]: key is required", i), ErrInvalid)
		}
		if q.Retry != nil && *q.Retry < 0 {
			return errors.Mark(errors.Newf("queries[%d]: retry must be >= 0", i), ErrInvalid)
		}
	}
	return nil
}

// Parse decodes and validates a YAML document. Unknown fields are rejected.
func Parse(b []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "config: decode"), ErrInvalid)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseTOML is Parse for TOML documents.
func ParseTOML(b []byte) (*File, error) {
	var f File
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var de *toml.DecodeError
		if errors.As(err, &de) {
			row, col := de.Position()
			err = errors.Wrapf(err, "line %d column %d", row, col)
		}
		return nil, errors.Mark(errors.Wrap(err, "config: decode"), ErrInvalid)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads path and picks the decoder by extension: .toml is TOML,
// anything else is YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(b)
	}
	return Parse(b)
}
