/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/launix-de/go-mysqlstack/xlog"
	"github.com/launix-de/ionjit/ion"
	"gopkg.in/yaml.v3"
)

// Size is a byte count written as "512KiB" or "1MiB" in settings files.
type Size int64

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	v, err := units.RAMInBytes(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = Size(v)
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

type SettingsT struct {
	LogLevel  string        `yaml:"log_level"`
	Trace     bool          `yaml:"trace"`
	TraceDir  string        `yaml:"trace_dir"`
	CodeLimit Size          `yaml:"code_limit"` // 0 = unlimited
	Backend   BackendConfig `yaml:"backend"`
}

var Settings SettingsT = SettingsT{"info", false, ".", 1 << 20, BackendConfig{Backend: "files", Path: "ion-cache"}}

// LoadSettings overlays a YAML file over the defaults.
func LoadSettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &Settings); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// CompileOptions derives the code generator options from the settings.
func CompileOptions() ion.Options {
	return ion.Options{CodeLimit: int(Settings.CodeLimit)}
}

// call this after you filled Settings
func InitSettings() error {
	ion.SetLogger(xlog.NewStdLog(xlog.Level(ion.ParseLogLevel(Settings.LogLevel))))
	if err := ion.SetTrace(Settings.Trace, Settings.TraceDir); err != nil {
		return err
	}
	onexit.Register(func() {
		ion.SetTrace(false, "") // close trace file on exit
		for _, c := range ion.PublishedAll() {
			c.Release()
		}
	})
	return nil
}

// ChangeSettings lists all settings without arguments, reads one with a
// name and sets one with a name and a value.
func ChangeSettings(a ...string) (any, error) {
	if len(a) == 0 {
		return map[string]any{
			"LogLevel":  Settings.LogLevel,
			"Trace":     Settings.Trace,
			"TraceDir":  Settings.TraceDir,
			"CodeLimit": Settings.CodeLimit.String(),
			"Backend":   Settings.Backend.Backend,
		}, nil
	} else if len(a) == 1 {
		switch a[0] {
		case "LogLevel":
			return Settings.LogLevel, nil
		case "Trace":
			return Settings.Trace, nil
		case "TraceDir":
			return Settings.TraceDir, nil
		case "CodeLimit":
			return Settings.CodeLimit.String(), nil
		case "Backend":
			return Settings.Backend.Backend, nil
		default:
			return nil, fmt.Errorf("unknown setting: %s", a[0])
		}
	} else {
		switch a[0] {
		case "LogLevel":
			Settings.LogLevel = a[1]
			ion.SetLogger(xlog.NewStdLog(xlog.Level(ion.ParseLogLevel(a[1]))))
		case "Trace":
			on, err := strconv.ParseBool(a[1])
			if err != nil {
				return nil, err
			}
			if err := ion.SetTrace(on, Settings.TraceDir); err != nil {
				return nil, err
			}
			Settings.Trace = on
		case "TraceDir":
			Settings.TraceDir = a[1]
		case "CodeLimit":
			v, err := units.RAMInBytes(a[1])
			if err != nil {
				return nil, err
			}
			Settings.CodeLimit = Size(v)
		case "Backend":
			return nil, fmt.Errorf("the backend is fixed at startup")
		default:
			return nil, fmt.Errorf("unknown setting: %s", a[0])
		}
		return true, nil
	}
}
