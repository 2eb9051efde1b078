package fsindex

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PathPair couples a resolved path with the spelling the user supplied,
// so filtered output can echo the latter.
type PathPair struct {
	Real    string
	Display string
}

// slashAppend adds a trailing slash to non-empty names that lack one.
func slashAppend(s string) string {
	if s != "" && !strings.HasSuffix(s, "/") {
		return s + "/"
	}
	return s
}

// ReducePaths resolves each input path, appends a slash to directories,
// drops paths already contained in another, and returns the survivors
// in descending Real order — the order the index stream is consumed in.
func ReducePaths(paths []string) ([]PathPair, error) {
	type pair = PathPair
	xpaths := make([]pair, 0, len(paths))
	for _, p := range paths {
		rp, err := filepath.EvalSymlinks(p)
		if err != nil {
			return nil, err
		}
		rp, err = filepath.Abs(rp)
		if err != nil {
			return nil, err
		}
		st, err := os.Lstat(rp)
		if err != nil {
			return nil, err
		}
		disp := p
		if st.IsDir() {
			rp = slashAppend(rp)
			disp = slashAppend(disp)
		}
		xpaths = append(xpaths, pair{Real: rp, Display: disp})
	}
	sort.Slice(xpaths, func(i, j int) bool { return xpaths[i].Real < xpaths[j].Real })

	var out []pair
	prev := ""
	for _, x := range xpaths {
		if prev != "" && (prev == x.Real ||
			(strings.HasSuffix(prev, "/") && strings.HasPrefix(x.Real, prev))) {
			continue // contained in the previous path
		}
		out = append(out, x)
		prev = x.Real
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Real > out[j].Real })
	return out, nil
}
