// Package whitelist decides which programs the one-shot executor may spawn.
package whitelist

import (
	"sort"
	"strings"
)

// allowed is the closed set of program names. No shells, no interpreters,
// nothing that deletes recursively, and nothing whose arguments can name a
// program for it to run (find -exec, go run, rustup run,
// sort --compress-program). It is compiled in and never read from config or
// the environment.
var allowed = map[string]struct{}{
	"git":   {},
	"ls":    {},
	"pwd":   {},
	"echo":  {},
	"cat":   {},
	"head":  {},
	"tail":  {},
	"grep":  {},
	"wc":    {},
	"uniq":  {},
	"cut":   {},
	"diff":  {},
	"cp":    {},
	"mv":    {},
	"mkdir": {},
	"touch": {},
	"cargo": {},
	"rustc": {},
}

// CommandName returns the first whitespace-delimited token of cmdline.
func CommandName(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Allowed reports whether name is a whitelisted program. Names carrying a
// path separator are denied so the gate can't be sidestepped with ./git.
func Allowed(name string) bool {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return false
	}
	_, ok := allowed[name]
	return ok
}

// Names returns the whitelist, sorted.
func Names() []string {
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
