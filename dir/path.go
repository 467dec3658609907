// Package dir implements the hierarchical directory layer (spec §3.6,
// §4.E): fixed-size directory entries stored as regular file data inside an
// inode.Handle marked IsDir, `.`/`..` maintenance, path parsing, and path
// resolution relative to a root or a caller-supplied current directory. It
// is grounded on the teacher's dir package, which scanned fixed-size
// directory entries linearly over an inode's data (ScanName/AddNameDir/
// RemNameDir/IsDirEmpty/Apply); this version keeps that linear-scan shape
// but adapts it from NFS's Inum/FsTxn types to inode.Store/inode.Handle,
// and the path-splitting and resolution logic is ported directly from the
// original kernel's filesys/path.c and filesys/filesys.c.
package dir

import "strings"

const pathSeparator = '/'

// IsAbsolute reports whether path begins with the separator (spec §4.E.1).
func IsAbsolute(path string) bool {
	return len(path) > 0 && path[0] == pathSeparator
}

// Split divides path into a parent part and a base part, per spec §4.E.1.
// It returns the length of the parent substring (path[:parentLen]) and the
// [baseBegin:baseEnd) byte range of the base name within path. When path is
// not splittable (empty), parentLen is 0 and baseBegin==baseEnd==0.
//
// Worked examples (ported from the original path_split):
//
//	"/a/b/c" -> parent "/a/b", base "c"
//	"a/b/c/" -> parent "a/b",  base "c"
//	"a///b/" -> parent "a",    base "b"
//	"/a"     -> parent "/",    base "a"
//	"/"      -> parent "",     base "/"
//	"a"      -> parent "",     base "a"
func Split(path string) (parentLen, baseBegin, baseEnd int) {
	n := len(path)
	baseBegin, baseEnd = n, n
	if n == 0 {
		return 0, 0, 0
	}

	i := n - 1

	// Walk left over trailing separators to find the last character of
	// the base name.
	for path[i] == pathSeparator {
		if i == 0 {
			return 0, 0, n
		}
		i--
	}
	baseEnd = i + 1

	// Walk left until the separator preceding the base name.
	for path[i] != pathSeparator {
		if i == 0 {
			return 0, 0, baseEnd
		}
		i--
	}
	baseBegin = i + 1

	// Walk left over the run of separators before the base name.
	for path[i] == pathSeparator {
		if i == 0 {
			// The path is rooted: parent is "/".
			return 1, baseBegin, baseEnd
		}
		i--
	}
	parentLen = i + 1
	return parentLen, baseBegin, baseEnd
}

// Combine joins base and rel the way the original path_combine does: if rel
// is absolute it wins outright, otherwise base and rel are joined with
// exactly one separator. Combine(p, "") == p for every p, matching the
// round-trip property relied on by callers that rebuild a path from its
// split parent and an empty relative remainder.
func Combine(base, rel string) string {
	if IsAbsolute(rel) {
		return rel
	}
	if rel == "" {
		return base
	}
	if base == "" {
		return rel
	}
	if base[len(base)-1] == pathSeparator {
		return base + rel
	}
	return base + string(pathSeparator) + rel
}

// tokenize splits the first length bytes of path into non-empty components
// separated by runs of the separator, matching strtok_r(path, "/", ...) in
// the original filesys_open_dir_length.
func tokenize(path string, length int) []string {
	if length > len(path) {
		length = len(path)
	}
	fields := strings.FieldsFunc(path[:length], func(r rune) bool { return r == pathSeparator })
	return fields
}
