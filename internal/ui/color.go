// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides terminal output helpers for the codectx CLI.
//
// Colors respect the --no-color flag and the NO_COLOR environment
// variable, and are disabled automatically when output is not a TTY.
//
// Color conventions:
//   - Red: errors, failures
//   - Yellow: warnings
//   - Green: success
//   - Cyan: info, counts
//   - Bold: headers, labels
//   - Dim: paths and secondary detail
package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Pre-configured color instances for consistent CLI output.
var (
	Red    = color.New(color.FgRed)
	Yellow = color.New(color.FgYellow)
	Green  = color.New(color.FgGreen)
	Cyan   = color.New(color.FgCyan)
	Bold   = color.New(color.Bold)
	Dim    = color.New(color.Faint)
)

// InitColors configures global color output. Call early in main() after
// flag parsing; fatih/color handles NO_COLOR on its own, this wires the
// explicit --no-color flag.
func InitColors(noColor bool) {
	color.NoColor = noColor
}

// Success prints a green message with a checkmark prefix, e.g.
// "✓ Ingested 42 files".
func Success(msg string) {
	_, _ = Green.Println("✓ " + msg)
}

func Successf(format string, args ...any) {
	_, _ = Green.Printf("✓ "+format+"\n", args...)
}

// Warning prints a yellow message with a warning prefix, e.g.
// "⚠ Skipped 3 files with parse errors".
func Warning(msg string) {
	_, _ = Yellow.Println("⚠ " + msg)
}

func Warningf(format string, args ...any) {
	_, _ = Yellow.Printf("⚠ "+format+"\n", args...)
}

// Error prints a red message with an X prefix, e.g.
// "✗ Cannot reach the graph store".
func Error(msg string) {
	_, _ = Red.Println("✗ " + msg)
}

func Errorf(format string, args ...any) {
	_, _ = Red.Printf("✗ "+format+"\n", args...)
}

// Info prints a cyan message with an info prefix, e.g.
// "ℹ Backfilling embeddings...".
func Info(msg string) {
	_, _ = Cyan.Println("ℹ " + msg)
}

func Infof(format string, args ...any) {
	_, _ = Cyan.Printf("ℹ "+format+"\n", args...)
}

// Header prints a bold header with an underline separator:
//
//	Repository Status
//	=================
func Header(text string) {
	_, _ = Bold.Println(text)
	fmt.Println(strings.Repeat("=", len(text)))
}

// SubHeader prints a bold sub-header without an underline.
func SubHeader(text string) {
	_, _ = Bold.Println(text)
}

// Label returns a bold-formatted label for inline use:
// fmt.Printf("%s %s\n", ui.Label("Repository:"), repo).
func Label(text string) string {
	return Bold.Sprint(text)
}

// DimText returns dim-formatted text for secondary detail.
func DimText(text string) string {
	return Dim.Sprint(text)
}

// CountText returns a cyan-formatted count for stats lines.
func CountText(count int) string {
	return Cyan.Sprint(count)
}
