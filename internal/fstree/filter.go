package fstree

import (
	"regexp"
)

const DefaultPrefixPattern = `/tmp/session[0-9a-z\-]+/`

// PathFilter strips the relay's environment-specific directory prefix from
// event paths so they can be used as keys.
type PathFilter struct {
	re *regexp.Regexp
}

func NewPathFilter(pattern string) (*PathFilter, error) {
	if pattern == "" {
		return &PathFilter{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &PathFilter{re: re}, nil
}

func (f *PathFilter) Strip(path string) string {
	if f == nil || f.re == nil {
		return path
	}
	loc := f.re.FindStringIndex(path)
	if loc == nil {
		return path
	}
	return path[:loc[0]] + path[loc[1]:]
}

func (f *PathFilter) Event(ev Event) Event {
	ev.OldPath = f.Strip(ev.OldPath)
	ev.NewPath = f.Strip(ev.NewPath)
	return ev
}
