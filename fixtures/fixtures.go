// Package fixtures embeds historical host sources and expected patch output
// shared by package tests and the registry revalidation command.
package fixtures

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed person/*.py
var files embed.FS

// Person module snapshots, keyed by the first release that shipped them.
const (
	Person2020_12 = "person_2020_12.py"
	Person2022_9  = "person_2022_9.py"
	Person2024_2  = "person_2024_2.py"
	Person2024_5  = "person_2024_5.py"
	Person2025_7  = "person_2025_7.py"
	Person2025_9  = "person_2025_9.py"
)

// PersonModule returns a full person/__init__.py snapshot.
func PersonModule(name string) []byte {
	data, err := files.ReadFile("person/" + name)
	if err != nil {
		panic(fmt.Sprintf("fixtures: %v", err))
	}
	return data
}

// Expected returns an expected patched function span. Files on disk carry one
// extra final newline so editors do not strip the span's trailing blank line.
func Expected(name string) string {
	data, err := files.ReadFile("person/" + name)
	if err != nil {
		panic(fmt.Sprintf("fixtures: %v", err))
	}
	return strings.TrimSuffix(string(data), "\n")
}

// PersonModules lists every embedded module snapshot.
func PersonModules() []string {
	return []string{Person2020_12, Person2022_9, Person2024_2, Person2024_5, Person2025_7, Person2025_9}
}
