// Copyright (C) 2025 Rejourney, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flag sets using
// `help` and `default` struct tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// BindOpt modifies bind behavior.
type BindOpt func(*bindOpts)

type bindOpts struct {
	confDir string
}

// ConfDir sets the value $CONFDIR expands to in `default` tags.
func ConfDir(path string) BindOpt {
	return func(opts *bindOpts) { opts.confDir = path }
}

// Bind creates flags from the config struct's fields, using the field
// path as the flag name: nested structs join with dots and camel case
// becomes kebab case. Fields tagged `internal:"true"` get hidden flags.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	var options bindOpts
	for _, opt := range opts {
		opt(&options)
	}

	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected pointer to struct", config))
	}
	bindStruct(flags, "", ptr.Elem(), options)
}

func bindStruct(flags *pflag.FlagSet, prefix string, value reflect.Value, options bindOpts) {
	structType := value.Type()
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" {
			continue
		}
		fieldValue := value.Field(i)
		name := prefix + hyphenate(field.Name)

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindStruct(flags, name+".", fieldValue, options)
			continue
		}

		help := field.Tag.Get("help")
		def := expandDefault(field.Tag.Get("default"), options.confDir)
		bindField(flags, name, fieldValue, def, help)

		if field.Tag.Get("internal") == "true" {
			_ = flags.MarkHidden(name)
		}
	}
}

func bindField(flags *pflag.FlagSet, name string, value reflect.Value, def, help string) {
	addr := value.Addr().Interface()
	switch target := addr.(type) {
	case *string:
		flags.StringVar(target, name, def, help)
	case *bool:
		flags.BoolVar(target, name, parseOr(def, false, strconv.ParseBool), help)
	case *int:
		flags.IntVar(target, name, int(parseOr(def, 0, parseInt64)), help)
	case *int64:
		flags.Int64Var(target, name, parseOr(def, 0, parseInt64), help)
	case *float64:
		flags.Float64Var(target, name, parseOr(def, 0, parseFloat64), help)
	case *time.Duration:
		flags.DurationVar(target, name, parseOr(def, 0, time.ParseDuration), help)
	default:
		panic(fmt.Sprintf("invalid field type %s for flag %q", value.Type(), name))
	}
}

func parseOr[T any](def string, fallback T, parse func(string) (T, error)) T {
	if def == "" {
		return fallback
	}
	parsed, err := parse(def)
	if err != nil {
		panic(fmt.Sprintf("invalid default %q: %v", def, err))
	}
	return parsed
}

func parseInt64(s string) (int64, error)     { return strconv.ParseInt(s, 10, 64) }
func parseFloat64(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func expandDefault(def, confDir string) string {
	if confDir != "" {
		def = strings.ReplaceAll(def, "$CONFDIR", confDir)
	}
	return def
}

// hyphenate turns CamelCase field names into kebab-case flag segments,
// keeping acronym runs together: ObjectStore -> object-store, URL -> url.
func hyphenate(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && isUpper(r) {
			prevLower := !isUpper(runes[i-1])
			nextLower := i+1 < len(runes) && !isUpper(runes[i+1])
			if prevLower || nextLower {
				out.WriteByte('-')
			}
		}
		out.WriteRune(toLower(r))
	}
	return out.String()
}

func isUpper(r rune) bool { return 'A' <= r && r <= 'Z' }

func toLower(r rune) rune {
	if isUpper(r) {
		return r + ('a' - 'A')
	}
	return r
}
