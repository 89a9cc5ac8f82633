// Copyright 2026 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with settings. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")

	// Kernel flags.
	flagSet.Uint64("phys-mem-mb", 64, "size of physical memory in MiB.")
	flagSet.Uint("initial-slots", 64, "initial size of each capability table.")
	flagSet.Uint("max-slots", 4096, "largest size of each capability table.")
	flagSet.Uint64("heap-limit-mb", 0, "default memory quota of a process in MiB, 0 for unlimited.")
	flagSet.Bool("tee", false, "enable the cross-domain (TEE) syscalls.")
	flagSet.Bool("check-device-range", true, "reject device memory objects that overlap physical memory.")

	// Process manager flags.
	flagSet.Uint64("ring-capacity", 64, "number of exit messages the recycle ring holds.")
	flagSet.Uint64("recycle-timeout-ms", 5000, "how long a busy process is retried before it is left a zombie.")
}

// get returns the value held by a flag of a standard type.
func get(v flag.Value) any {
	return v.(flag.Getter).Get()
}

// fieldFlags calls fn with each Config field that has a flag.
func fieldFlags(c *Config, flagSet *flag.FlagSet, fn func(field reflect.Value, fl *flag.Flag)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fn(obj.Field(i), fl)
	}
}

// NewFromFlags creates a new Config with values coming from command line
// flags, layered over the file named by --config if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	fieldFlags(conf, flagSet, func(field reflect.Value, fl *flag.Flag) {
		field.Set(reflect.ValueOf(get(fl.Value)))
	})

	if conf.ConfigFile != "" {
		path := conf.ConfigFile
		// Start again from the defaults so that only flags given on
		// the command line override the file.
		defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
		RegisterFlags(defaults)
		conf = &Config{}
		fieldFlags(conf, defaults, func(field reflect.Value, fl *flag.Flag) {
			field.Set(reflect.ValueOf(get(fl.Value)))
		})
		if err := conf.load(path); err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
		fieldFlags(conf, flagSet, func(field reflect.Value, fl *flag.Flag) {
			if set[fl.Name] {
				field.Set(reflect.ValueOf(get(fl.Value)))
			}
		})
		conf.ConfigFile = path
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	fieldFlags(c, flagSet, func(field reflect.Value, fl *flag.Flag) {
		val := getVal(field)
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
