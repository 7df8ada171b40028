package profile

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Find for an unknown profile name.
var ErrNotFound = errors.New("profile not found")

// File is a YAML profiles file.
type File struct {
	Profiles []Profile `yaml:"profiles"`
}

// Load reads and validates the profiles file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profiles %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a profiles file. Unknown keys are errors. Jump references
// are resolved and every profile is defaulted and validated.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}

	seen := make(map[string]bool, len(f.Profiles))
	for _, p := range f.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: profile for %q has no name", ErrInvalid, p.Host)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate profile name %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
	}

	resolved := make([]Profile, len(f.Profiles))
	for i, p := range f.Profiles {
		r, err := f.resolve(p, nil)
		if err != nil {
			return nil, err
		}
		r = r.WithDefaults()
		if err := r.Validate(); err != nil {
			return nil, err
		}
		resolved[i] = r
	}
	f.Profiles = resolved
	return &f, nil
}

// Find returns the profile called name.
func (f *File) Find(name string) (Profile, error) {
	for _, p := range f.Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// resolve replaces name-only jump entries with the named profile. path
// holds the names being resolved, to reject cycles.
func (f *File) resolve(p Profile, path []string) (Profile, error) {
	for _, n := range path {
		if n == p.Name {
			return Profile{}, fmt.Errorf("%w: jump cycle through %q", ErrInvalid, p.Name)
		}
	}
	path = append(path, p.Name)

	if len(p.Jump) == 0 {
		return p, nil
	}
	jump := make([]Profile, 0, len(p.Jump))
	for _, j := range p.Jump {
		if j.Host == "" && j.Name != "" {
			ref, ok := f.raw(j.Name)
			if !ok {
				return Profile{}, fmt.Errorf("%w: jump host %q: %w", ErrInvalid, j.Name, ErrNotFound)
			}
			j = ref
		}
		r, err := f.resolve(j, path)
		if err != nil {
			return Profile{}, err
		}
		// A jump host's own jump chain comes first.
		jump = append(jump, r.Jump...)
		r.Jump = nil
		jump = append(jump, r)
	}
	p.Jump = jump
	return p, nil
}

func (f *File) raw(name string) (Profile, bool) {
	for _, p := range f.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
