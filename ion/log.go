/*
Copyright (C) 2026  Carl-Philip Hänsch

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
package ion

import (
	"github.com/launix-de/go-mysqlstack/xlog"
)

// Log receives compile aborts (warning), publications (info) and per
// function summaries (debug).
var Log = xlog.NewStdLog(xlog.Level(xlog.INFO))

// SetLogger replaces the package logger.
func SetLogger(l *xlog.Log) {
	Log = l
}

// ParseLogLevel maps a config string to an xlog level; unknown names
// fall back to INFO.
func ParseLogLevel(s string) xlog.LogLevel {
	switch s {
	case "debug":
		return xlog.DEBUG
	case "warning", "warn":
		return xlog.WARNING
	case "error":
		return xlog.ERROR
	}
	return xlog.INFO
}
