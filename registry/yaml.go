/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package registry

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/storagemodels"
)

// capabilityFile is the on-disk declaration of target and person types:
//
//	targets:
//	  order:
//	    owner: single
//	    tags: multiple
//	persons:
//	  - user
type capabilityFile struct {
	Targets map[string]map[string]string `yaml:"targets"`
	Persons []string                     `yaml:"persons"`
}

// LoadYAML registers the types declared in r. Modes are stored as written so
// a bad mode surfaces as InvalidPolicyMode on first use.
func (r *Registry) LoadYAML(in io.Reader) error {
	var file capabilityFile
	dec := yaml.NewDecoder(in)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(err, "decoding capability file")
	}

	for typ, collections := range file.Targets {
		if len(collections) == 0 {
			return errors.NewValidationError("targets."+typ, "target type declares no collections")
		}
		if err := storagemodels.ValidateName("targets", typ); err != nil {
			return err
		}
		for name := range collections {
			if err := storagemodels.ValidateName("targets."+typ, name); err != nil {
				return err
			}
		}
	}
	for _, typ := range file.Persons {
		if err := storagemodels.ValidateName("persons", typ); err != nil {
			return err
		}
	}

	for typ, collections := range file.Targets {
		modes := make(map[string]Mode, len(collections))
		for name, mode := range collections {
			modes[name] = Mode(mode)
		}
		r.RegisterTarget(typ, modes)
	}
	for _, typ := range file.Persons {
		r.RegisterPerson(typ)
	}

	r.logger.Infow("Loaded capability declarations",
		"targets", len(file.Targets),
		"persons", len(file.Persons))
	return nil
}

// LoadFile is LoadYAML on the file at path.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening capability file %s", path)
	}
	defer f.Close()
	return r.LoadYAML(f)
}
