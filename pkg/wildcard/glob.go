package wildcard

import (
	"context"
	stderr "errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Bindings holds the wildcard values of every matched candidate. Values[name]
// has length Matches for every name, index i belonging to the i-th match.
type Bindings struct {
	Names   []string            `json:"names"`
	Values  map[string][]string `json:"values"`
	Matches int                 `json:"matches"`
}

func newBindings(names []string) *Bindings {
	b := &Bindings{
		Names:  names,
		Values: make(map[string][]string, len(names)),
	}
	for _, name := range names {
		b.Values[name] = []string{}
	}
	return b
}

func (b *Bindings) add(values []string) {
	for i, name := range b.Names {
		b.Values[name] = append(b.Values[name], values[i])
	}
	b.Matches++
}

// Row returns the wildcard values of the i-th match
func (b *Bindings) Row(i int) map[string]string {
	row := make(map[string]string, len(b.Names))
	for _, name := range b.Names {
		row[name] = b.Values[name][i]
	}
	return row
}

// Each calls fn for every match in order until fn returns an error.
func (b *Bindings) Each(fn func(i int, row map[string]string) error) error {
	for i := 0; i < b.Matches; i++ {
		if err := fn(i, b.Row(i)); err != nil {
			return err
		}
	}
	return nil
}

// Resolve matches every candidate against pattern, in order. Candidates that
// do not match are skipped. Pattern and candidates are normalized with
// filepath.Clean before matching.
func Resolve(pattern string, candidates []string) (*Bindings, error) {
	p, err := Compile(filepath.Clean(pattern))
	if err != nil {
		return nil, err
	}
	return p.Resolve(candidates)
}

// Resolve matches candidates against a compiled pattern.
func (p *Pattern) Resolve(candidates []string) (*Bindings, error) {
	return p.resolve(candidates, filepath.Clean)
}

// ResolveQueries is Resolve for backend queries such as "s3://bucket/key",
// which are matched verbatim.
func ResolveQueries(pattern string, queries []string) (*Bindings, error) {
	p, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	return p.resolve(queries, func(s string) string { return s })
}

func (p *Pattern) resolve(candidates []string, normalize func(string) string) (*Bindings, error) {
	b := newBindings(p.Names())
	for _, c := range candidates {
		values, ok, err := p.match(normalize(c))
		if err != nil {
			return nil, err
		}
		if ok {
			b.add(values)
		}
	}
	return b, nil
}

// GlobOptions controls the directory walk of Glob
type GlobOptions struct {
	// FollowSymlinks descends into symlinked directories
	FollowSymlinks bool
}

// Glob resolves pattern against the files and directories below the
// directory implied by its constant prefix.
func Glob(ctx context.Context, pattern string, opts GlobOptions) (*Bindings, error) {
	pattern = filepath.Clean(pattern)
	p, err := Compile(pattern)
	if err != nil {
		return nil, err
	}

	files, err := Walk(ctx, WalkRoot(pattern), opts.FollowSymlinks)
	if err != nil {
		return nil, err
	}
	return p.Resolve(files)
}

// WalkRoot returns the directory containing the text before the first
// wildcard of pattern, or "." when that text has no directory part.
func WalkRoot(pattern string) string {
	head := pattern
	if i := FirstWildcard(pattern); i >= 0 {
		head = pattern[:i]
	}
	dir := filepath.Dir(head)
	if dir == "" {
		return "."
	}
	return dir
}

// Walk lists every file and directory below root, excluding root itself.
// A missing root yields no entries.
func Walk(ctx context.Context, root string, followSymlinks bool) ([]string, error) {
	var out []string
	visited := make(map[string]bool)

	var walk func(dir string) error
	walk = func(dir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if followSymlinks {
			real, err := filepath.EvalSymlinks(dir)
			if err == nil {
				if visited[real] {
					return nil
				}
				visited[real] = true
			}
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root && stderr.Is(err, fs.ErrNotExist) {
				return nil
			}
			if stderr.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			out = append(out, path)

			isDir := entry.IsDir()
			if !isDir && followSymlinks && entry.Type()&fs.ModeSymlink != 0 {
				if info, err := os.Stat(path); err == nil {
					isDir = info.IsDir()
				}
			}
			if isDir {
				if err := walk(path); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}
