package dir

import (
	"errors"

	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/super"
	"github.com/pintosgo/kernel/util"
)

var (
	ErrNameTooLong   = errors.New("dir: name too long or empty")
	ErrNameInUse     = errors.New("dir: name already exists")
	ErrNotFound      = errors.New("dir: no such entry")
	ErrNotDirectory  = errors.New("dir: not a directory")
	ErrDirNotEmpty   = errors.New("dir: directory not empty")
	ErrReservedName  = errors.New("dir: name is reserved")
	ErrPathUnresolve = errors.New("dir: path does not resolve")
)

// Directory is an open handle on a directory inode plus a readdir cursor,
// mirroring the teacher's dcache-backed directory iteration but scanning
// fixed-size entries directly the way the original kernel's dir_readdir
// does.
type Directory struct {
	store *Store
	ih    *inode.Handle
	pos   uint64
}

// Inode returns the backing inode handle.
func (d *Directory) Inode() *inode.Handle { return d.ih }

// Store is the module-scoped directory layer: every directory operation
// goes through the shared inode.Store and super.Super, the same singleton
// pattern as inode.Store itself.
type Store struct {
	inodes *inode.Store
	super  *super.Super
}

// New creates a directory Store over the given inode store and superblock.
func New(inodes *inode.Store, sup *super.Super) *Store {
	return &Store{inodes: inodes, super: sup}
}

// OpenRoot opens the filesystem's root directory.
func (s *Store) OpenRoot() (*Directory, error) {
	return s.openSector(s.super.RootDirSector())
}

func (s *Store) openSector(sector uint64) (*Directory, error) {
	ih, err := s.inodes.Open(sector)
	if err != nil {
		return nil, err
	}
	if !ih.IsDir() {
		s.inodes.Close(ih)
		return nil, ErrNotDirectory
	}
	return &Directory{store: s, ih: ih}, nil
}

// Reopen opens a second, independent Directory handle on the same
// underlying inode (a fresh cursor, shared reference count).
func (s *Store) Reopen(d *Directory) (*Directory, error) {
	return s.openSector(d.ih.Sector())
}

// Close releases d's inode reference. Safe to call on a nil Directory.
func (s *Store) Close(d *Directory) error {
	if d == nil {
		return nil
	}
	return s.inodes.Close(d.ih)
}

// lookup scans dir linearly for name, returning the matching entry and its
// byte offset, the way the teacher's ScanName and the original kernel's
// lookup() do.
func (s *Store) lookup(d *Directory, name string) (*dirEntry, uint64, bool) {
	buf := make([]byte, entrySize)
	for off := uint64(0); ; off += entrySize {
		n, err := s.inodes.ReadAt(d.ih, buf, off)
		if err != nil || uint64(n) != entrySize {
			return nil, 0, false
		}
		e := decodeEntry(buf)
		if e.inUse && e.name == name {
			return e, off, true
		}
	}
}

// Lookup searches d for name and, if found, opens and returns its inode.
func (s *Store) Lookup(d *Directory, name string) (*inode.Handle, bool, error) {
	e, _, found := s.lookup(d, name)
	if !found {
		return nil, false, nil
	}
	ih, err := s.inodes.Open(e.sector)
	if err != nil {
		return nil, false, err
	}
	return ih, true, nil
}

// addEntry writes name->sector into the first free slot of d (or at
// end-of-file if none), per the original kernel's dir_add.
func (s *Store) addEntry(d *Directory, name string, sector uint64) error {
	if !validName(name) {
		return ErrNameTooLong
	}
	if _, _, found := s.lookup(d, name); found {
		return ErrNameInUse
	}

	buf := make([]byte, entrySize)
	off := uint64(0)
	for {
		n, err := s.inodes.ReadAt(d.ih, buf, off)
		if err != nil {
			return err
		}
		if uint64(n) != entrySize {
			break
		}
		if !decodeEntry(buf).inUse {
			break
		}
		off += entrySize
	}

	e := &dirEntry{sector: sector, name: name, inUse: true}
	enc := encodeEntry(e)
	n, err := s.inodes.WriteAt(d.ih, enc, off)
	if err != nil {
		return err
	}
	if n != entrySize {
		return errors.New("dir: short directory entry write")
	}
	return nil
}

// removeEntry clears name's slot in d without checking whether it is a
// non-empty directory; callers needing that check use Remove.
func (s *Store) removeEntry(d *Directory, name string) error {
	_, off, found := s.lookup(d, name)
	if !found {
		return ErrNotFound
	}
	blank := &dirEntry{sector: 0, name: "", inUse: false}
	n, err := s.inodes.WriteAt(d.ih, encodeEntry(blank), off)
	if err != nil {
		return err
	}
	if n != entrySize {
		return errors.New("dir: short directory entry write")
	}
	return nil
}

// IsEmpty reports whether d contains no entries besides `.` and `..`, per
// spec §4.E.3 and the original kernel's dir_is_empty.
func (s *Store) IsEmpty(d *Directory) bool {
	buf := make([]byte, entrySize)
	for off := uint64(0); ; off += entrySize {
		n, err := s.inodes.ReadAt(d.ih, buf, off)
		if err != nil || uint64(n) != entrySize {
			return true
		}
		e := decodeEntry(buf)
		if e.inUse && !illegalName(e.name) {
			return false
		}
	}
}

// addDot installs `.` and `..` in a freshly created directory d whose
// parent is parent, per spec §4.E.3 and the original kernel's dir_add_dot.
func (s *Store) addDot(parent, d *Directory) error {
	if err := s.addEntry(d, dot, d.ih.Sector()); err != nil {
		return err
	}
	if err := s.addEntry(d, dotdot, parent.ih.Sector()); err != nil {
		s.removeEntry(d, dot)
		return err
	}
	return nil
}

// Readdir returns the next entry's name, skipping `.`/`..` and unused
// slots, advancing d's cursor. ok is false once the directory is exhausted.
func (s *Store) Readdir(d *Directory) (name string, ok bool, err error) {
	buf := make([]byte, entrySize)
	for {
		n, rerr := s.inodes.ReadAt(d.ih, buf, d.pos)
		if rerr != nil {
			return "", false, rerr
		}
		if uint64(n) != entrySize {
			return "", false, nil
		}
		d.pos += entrySize
		e := decodeEntry(buf)
		if e.inUse && !illegalName(e.name) {
			return e.name, true, nil
		}
	}
}

// openDirLength opens the directory that the first length bytes of path
// resolve to, starting from root (absolute) or from cwd (relative) per
// spec §4.E.2. If length is 0, it reopens cwd (or root if cwd is nil). It
// is grounded on the original kernel's filesys_open_dir_length.
func (s *Store) openDirLength(cwd *Directory, path string, length int) (*Directory, error) {
	if length == 0 {
		if cwd != nil {
			return s.Reopen(cwd)
		}
		return s.OpenRoot()
	}

	var d *Directory
	var err error
	if IsAbsolute(path) {
		d, err = s.OpenRoot()
	} else if cwd != nil {
		d, err = s.Reopen(cwd)
	} else {
		d, err = s.OpenRoot()
	}
	if err != nil {
		return nil, err
	}

	for _, token := range tokenize(path, length) {
		if d == nil {
			return nil, ErrPathUnresolve
		}
		ih, found, lerr := s.Lookup(d, token)
		s.Close(d)
		d = nil
		if lerr != nil {
			return nil, lerr
		}
		if !found {
			return nil, ErrPathUnresolve
		}
		if !ih.IsDir() {
			s.inodes.Close(ih)
			return nil, ErrPathUnresolve
		}
		d, err = s.openSector(ih.Sector())
		s.inodes.Close(ih)
		if err != nil {
			return nil, err
		}
	}
	if d == nil {
		return nil, ErrPathUnresolve
	}
	return d, nil
}

// OpenDirLength is the exported form of spec §4.E.2's open_dir_length.
func (s *Store) OpenDirLength(cwd *Directory, path string, length int) (*Directory, error) {
	return s.openDirLength(cwd, path, length)
}

// OpenPath resolves path fully (file or directory) relative to cwd, the
// way the original kernel's filesys_open does: every component but the
// last must be a directory, and the last component may be either.
func (s *Store) OpenPath(cwd *Directory, path string) (*inode.Handle, error) {
	if path == "" {
		return nil, ErrPathUnresolve
	}
	parentLen, baseBegin, baseEnd := Split(path)
	base := path[baseBegin:baseEnd]

	parent, err := s.openDirLength(cwd, path, parentLen)
	if err != nil {
		return nil, err
	}
	defer s.Close(parent)
	ih, found, err := s.Lookup(parent, base)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrPathUnresolve
	}
	return ih, nil
}

// Create implements spec §4.E.3's create(path, size): split, open parent,
// allocate a fresh file inode, link it under the base name. Allocations are
// rolled back on any failing step. The whole sequence runs under the
// filesystem-wide mutex (spec §5) so a concurrent Create of the same name
// can't slip between the duplicate-name check and the entry write.
func (s *Store) Create(cwd *Directory, path string, size uint64) error {
	parentLen, baseBegin, baseEnd := Split(path)
	base := path[baseBegin:baseEnd]
	if !validName(base) || illegalName(base) {
		return ErrNameTooLong
	}

	s.super.Lock()
	defer s.super.Unlock()

	parent, err := s.openDirLength(cwd, path, parentLen)
	if err != nil {
		return err
	}
	defer s.Close(parent)

	ih, err := s.inodes.CreateInode(false)
	if err != nil {
		return err
	}
	if size > 0 {
		zeros := make([]byte, size)
		if _, err := s.inodes.WriteAt(ih, zeros, 0); err != nil {
			ih.Remove()
			s.inodes.Close(ih)
			return err
		}
	}
	if err := s.addEntry(parent, base, ih.Sector()); err != nil {
		ih.Remove()
		s.inodes.Close(ih)
		return err
	}
	return s.inodes.Close(ih)
}

// CreateDir implements spec §4.E.3's create_dir(path): like Create, but the
// new inode is marked is_dir and seeded with `.`/`..`. The whole sequence
// runs under the filesystem-wide mutex (spec §5), same as Create.
func (s *Store) CreateDir(cwd *Directory, path string) error {
	parentLen, baseBegin, baseEnd := Split(path)
	base := path[baseBegin:baseEnd]
	if !validName(base) || illegalName(base) {
		return ErrNameTooLong
	}

	s.super.Lock()
	defer s.super.Unlock()

	parent, err := s.openDirLength(cwd, path, parentLen)
	if err != nil {
		return err
	}
	defer s.Close(parent)

	ih, err := s.inodes.CreateInode(true)
	if err != nil {
		return err
	}
	newDir := &Directory{store: s, ih: ih}

	if err := s.addEntry(parent, base, ih.Sector()); err != nil {
		ih.Remove()
		s.inodes.Close(ih)
		return err
	}
	if err := s.addDot(parent, newDir); err != nil {
		s.removeEntry(parent, base)
		ih.Remove()
		s.inodes.Close(ih)
		return err
	}
	return s.inodes.Close(ih)
}

// Remove implements spec §4.E.3's remove(path): a non-empty directory
// cannot be removed. The whole sequence runs under the filesystem-wide
// mutex (spec §5), same as Create/CreateDir.
func (s *Store) Remove(cwd *Directory, path string) error {
	parentLen, baseBegin, baseEnd := Split(path)
	base := path[baseBegin:baseEnd]
	if base == "" || illegalName(base) {
		return ErrReservedName
	}

	s.super.Lock()
	defer s.super.Unlock()

	parent, err := s.openDirLength(cwd, path, parentLen)
	if err != nil {
		return err
	}
	defer s.Close(parent)

	e, _, found := s.lookup(parent, base)
	if !found {
		return ErrNotFound
	}

	ih, err := s.inodes.Open(e.sector)
	if err != nil {
		return err
	}
	if ih.IsDir() {
		target := &Directory{store: s, ih: ih}
		if !s.IsEmpty(target) {
			s.inodes.Close(ih)
			return ErrDirNotEmpty
		}
	}

	if err := s.removeEntry(parent, base); err != nil {
		s.inodes.Close(ih)
		return err
	}
	ih.Remove()
	util.DPrintf(5, "dir: removed %q (sector %d)\n", path, e.sector)
	return s.inodes.Close(ih)
}
