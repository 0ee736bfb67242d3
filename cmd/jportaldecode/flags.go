package main

import "strings"

// stringList implements flag.Value for a repeatable string flag, the
// way go-perf's own cmd/* binaries register custom flag types
// (cmd/memlat's database flags) instead of reaching for a third-party
// flag package.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
