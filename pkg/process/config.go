// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"
)

// SaveConfig writes the flags and their current values to outfile as
// yaml, with overrides taking precedence. Hidden flags and the config
// flag itself are not persisted.
func SaveConfig(flags *pflag.FlagSet, outfile string, overrides map[string]interface{}) error {
	settings := map[string]interface{}{}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden || flag.Name == "config" {
			return
		}
		if override, ok := overrides[flag.Name]; ok {
			settings[flag.Name] = override
			return
		}
		settings[flag.Name] = flagValue(flag)
	})
	for name, override := range overrides {
		if _, ok := settings[name]; !ok {
			settings[name] = override
		}
	}

	data, err := yaml.Marshal(nest(settings))
	if err != nil {
		return Error.Wrap(err)
	}
	return atomicWrite(outfile, 0600, data)
}

// flagValue converts the flag's string representation back to a typed
// value so the yaml is not all strings.
func flagValue(flag *pflag.Flag) interface{} {
	value := flag.Value.String()
	switch flag.Value.Type() {
	case "bool":
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	case "int", "int64":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	case "float64":
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	case "duration":
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed.String()
		}
	}
	return value
}

// nest expands dotted flag names into nested maps so the yaml mirrors
// the config struct shape.
func nest(flat map[string]interface{}) map[string]interface{} {
	root := map[string]interface{}{}
	for name, value := range flat {
		parts := strings.Split(name, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Chmod(mode); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(fh.Name(), outfile))
}
