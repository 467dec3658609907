package dir

import (
	"sync"
	"testing"

	"github.com/pintosgo/kernel/bcache"
	"github.com/pintosgo/kernel/blockdev"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/super"
	"github.com/stretchr/testify/assert"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dev := blockdev.NewMemDevice(4096)
	bc := bcache.New(dev, 64)
	sup, err := super.New(bc, dev.SectorCount(), true)
	assert.NoError(t, err)
	inodes := inode.New(bc, sup, 32)
	return New(inodes, sup)
}

func TestCreateAndLookupFile(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.Create(root, "hello", 0))

	ih, found, err := s.Lookup(root, "hello")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.False(t, ih.IsDir())
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.Create(root, "hello", 0))
	err = s.Create(root, "hello", 0)
	assert.ErrorIs(t, err, ErrNameInUse)
}

func TestCreateDirSeedsDotAndDotDot(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.CreateDir(root, "sub"))
	sub, err := s.OpenDirLength(root, "sub", len("sub"))
	assert.NoError(t, err)
	defer s.Close(sub)

	_, found, err := s.Lookup(sub, dot)
	assert.NoError(t, err)
	assert.True(t, found)
	_, found, err = s.Lookup(sub, dotdot)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.True(t, s.IsEmpty(sub), "an empty directory has only . and ..")
}

func TestRemoveRejectsNonEmptyDirectory(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.CreateDir(root, "sub"))
	sub, err := s.OpenDirLength(root, "sub", len("sub"))
	assert.NoError(t, err)
	assert.NoError(t, s.Create(sub, "file", 0))
	s.Close(sub)

	err = s.Remove(root, "sub")
	assert.ErrorIs(t, err, ErrDirNotEmpty)
}

func TestRemoveDeletesEntry(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.Create(root, "hello", 0))
	assert.NoError(t, s.Remove(root, "hello"))

	_, found, err := s.Lookup(root, "hello")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestOpenPathResolvesNestedFile(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.CreateDir(root, "a"))
	sub, err := s.OpenDirLength(root, "a", len("a"))
	assert.NoError(t, err)
	assert.NoError(t, s.Create(sub, "b", 0))
	s.Close(sub)

	ih, err := s.OpenPath(root, "a/b")
	assert.NoError(t, err)
	assert.False(t, ih.IsDir())
}

func TestOpenPathThroughDotDotResolvesSameInode(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.CreateDir(root, "a"))
	sub, err := s.OpenDirLength(root, "a", len("a"))
	assert.NoError(t, err)
	assert.NoError(t, s.Create(sub, "b", 0))
	s.Close(sub)

	direct, err := s.OpenPath(root, "a/b")
	assert.NoError(t, err)
	assert.False(t, direct.IsDir())

	viaDotDot, err := s.OpenPath(root, "a/../a/b")
	assert.NoError(t, err)
	assert.False(t, viaDotDot.IsDir())

	assert.Equal(t, direct.Sector(), viaDotDot.Sector(), "a/../a/b must resolve to the same inode as a/b")
}

func TestOpenPathRejectsUnresolvableComponent(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	_, err = s.OpenPath(root, "nope/file")
	assert.ErrorIs(t, err, ErrPathUnresolve)
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	assert.NoError(t, s.CreateDir(root, "sub"))
	sub, err := s.OpenDirLength(root, "sub", len("sub"))
	assert.NoError(t, err)
	assert.NoError(t, s.Create(sub, "a", 0))
	assert.NoError(t, s.Create(sub, "b", 0))

	var names []string
	for {
		name, ok, err := s.Readdir(sub)
		assert.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, name)
	}
	s.Close(sub)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestConcurrentCreatesOfSameNameOnlyOneSucceeds(t *testing.T) {
	s := newStore(t)
	root, err := s.OpenRoot()
	assert.NoError(t, err)
	defer s.Close(root)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Create(root, "same", 0)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrNameInUse)
		}
	}
	assert.Equal(t, 1, successes, "the filesystem mutex must serialize concurrent Creates of the same name so exactly one wins")

	var names []string
	for {
		name, ok, err := s.Readdir(root)
		assert.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, name)
	}
	assert.Equal(t, []string{"same"}, names, "the directory must contain exactly one entry, not one per interleaved writer")
}

func TestSplitMatchesWorkedExamples(t *testing.T) {
	cases := []struct {
		path                string
		parentLen           int
		baseBegin, baseEnd  int
	}{
		{"/a/b/c", 4, 5, 6},
		{"a/b/c/", 3, 4, 5},
		{"a///b/", 1, 4, 5},
		{"/a", 1, 1, 2},
		{"/", 0, 0, 1},
		{"a", 0, 0, 1},
	}
	for _, c := range cases {
		parentLen, baseBegin, baseEnd := Split(c.path)
		assert.Equal(t, c.parentLen, parentLen, c.path)
		assert.Equal(t, c.baseBegin, baseBegin, c.path)
		assert.Equal(t, c.baseEnd, baseEnd, c.path)
	}
}
