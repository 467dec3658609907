// Package process implements the per-process resource surface of spec
// §3.9, §4.I: the file-descriptor table, the mmap-id table, the current
// directory, and parent/child linkage with load/wait/exit signaling. The
// rest of the kernel this spec is carved out of -- the scheduler, argument
// passing, the syscall dispatch shell -- is out of scope (spec §1); this
// package exists only far enough to give the frame/spt/mmap packages
// something realistic to own and tear down.
//
// It is grounded on the original kernel's userprog/process.c:
// process_allocate_fd/process_get_file/process_free_fd's scan-then-double
// fd table, process_exit's close-everything-then-signal-parent sequence,
// and init_process's sema_init(&sem, 0) three-semaphore load/wait/exit
// handshake. The three raw semaphores become golang.org/x/sync/semaphore's
// Weighted, matching SPEC_FULL.md's decision to reuse that domain
// dependency for the "collaborator surface" of §3.9 instead of hand-rolled
// channels.
package process

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pintosgo/kernel/dir"
	"github.com/pintosgo/kernel/inode"
	"github.com/pintosgo/kernel/mmap"
	"github.com/pintosgo/kernel/spt"
	"github.com/pintosgo/kernel/util"
)

// reservedFDCount is the number of low file descriptors reserved for
// stdin/stdout (spec §3.9); AllocateFD never hands these out.
const reservedFDCount = 2

var (
	ErrNoSuchFD   = errors.New("process: no such file descriptor")
	ErrNoSuchMmap = errors.New("process: no such mapping")
	ErrReservedFD = errors.New("process: fd is reserved for stdin/stdout")
)

// Process owns one thread's user-level resources: open files, live memory
// mappings, its current directory, its executable (held open with
// deny-write for its whole lifetime, spec §4.I), and the family/signaling
// state the collaborator scheduler needs to implement wait(2).
type Process struct {
	mu sync.Mutex

	pid  int
	name string

	inodes *inode.Store
	dirs   *dir.Store
	spt    *spt.Table

	fds   []*inode.Handle
	mmaps []*mmap.Mapping

	cwd        *dir.Directory
	executable *inode.Handle

	parent   *Process
	children []*Process

	exitCode int
	loadOK   bool

	loadSem *semaphore.Weighted
	waitSem *semaphore.Weighted
	exitSem *semaphore.Weighted
}

// newSignal returns a binary semaphore initialized to zero permits, the Go
// analogue of the original's sema_init(&sem, 0): the first Down blocks
// until a matching Up.
func newSignal() *semaphore.Weighted {
	s := semaphore.NewWeighted(1)
	s.Acquire(context.Background(), 1)
	return s
}

// New creates a Process with pid identifying it to its parent, rooted at
// cwd, sharing the given inode/directory stores and its own supplemental
// page table.
func New(pid int, name string, inodes *inode.Store, dirs *dir.Store, spts *spt.Table, cwd *dir.Directory) *Process {
	return &Process{
		pid:      pid,
		name:     name,
		inodes:   inodes,
		dirs:     dirs,
		spt:      spts,
		fds:      make([]*inode.Handle, reservedFDCount),
		cwd:      cwd,
		exitCode: -1,
		loadSem:  newSignal(),
		waitSem:  newSignal(),
		exitSem:  newSignal(),
	}
}

func (p *Process) Pid() int        { return p.pid }
func (p *Process) Name() string    { return p.name }
func (p *Process) SPT() *spt.Table { return p.spt }

// CurrentDir returns the process's working directory.
func (p *Process) CurrentDir() *dir.Directory {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// SetCurrentDir replaces the process's working directory, closing the
// previous one.
func (p *Process) SetCurrentDir(d *dir.Directory) error {
	p.mu.Lock()
	old := p.cwd
	p.cwd = d
	p.mu.Unlock()
	return p.dirs.Close(old)
}

// LoadExecutable opens path as this process's executable and denies writes
// to it for the process's whole lifetime (spec §4.I), matching the
// original's file_deny_write(p->executable) at the end of load().
func (p *Process) LoadExecutable(path string) (*inode.Handle, error) {
	ih, err := p.dirs.OpenPath(p.cwd, path)
	if err != nil {
		return nil, err
	}
	ih.DenyWrite()
	p.mu.Lock()
	p.executable = ih
	p.mu.Unlock()
	return ih, nil
}

// AllocateFD installs h under the lowest unused descriptor >= 2, doubling
// the table if it is full, mirroring process_allocate_fd.
func (p *Process) AllocateFD(h *inode.Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd := reservedFDCount; fd < len(p.fds); fd++ {
		if p.fds[fd] == nil {
			p.fds[fd] = h
			return fd
		}
	}
	fd := len(p.fds)
	grown := make([]*inode.Handle, fd*2)
	copy(grown, p.fds)
	p.fds = grown
	p.fds[fd] = h
	return fd
}

// GetFD returns the handle installed at fd, per process_get_file.
func (p *Process) GetFD(fd int) (*inode.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < reservedFDCount {
		return nil, ErrReservedFD
	}
	if fd >= len(p.fds) || p.fds[fd] == nil {
		return nil, ErrNoSuchFD
	}
	return p.fds[fd], nil
}

// FreeFD clears fd's slot without closing the underlying handle; the
// caller is expected to have already closed it, matching
// process_free_fd's contract with its callers.
func (p *Process) FreeFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < reservedFDCount || fd >= len(p.fds) || p.fds[fd] == nil {
		return ErrNoSuchFD
	}
	p.fds[fd] = nil
	return nil
}

// AllocateMmapID installs m under the lowest unused mapping id, the same
// scan-then-double discipline as AllocateFD (spec §3.9: "similar,
// identifying live memory mappings").
func (p *Process) AllocateMmapID(m *mmap.Mapping) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, existing := range p.mmaps {
		if existing == nil {
			p.mmaps[id] = m
			return id
		}
	}
	id := len(p.mmaps)
	p.mmaps = append(p.mmaps, m)
	return id
}

// GetMmap returns the mapping installed under id.
func (p *Process) GetMmap(id int) (*mmap.Mapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.mmaps) || p.mmaps[id] == nil {
		return nil, ErrNoSuchMmap
	}
	return p.mmaps[id], nil
}

// FreeMmapID unmaps and clears id's slot.
func (p *Process) FreeMmapID(id int) error {
	p.mu.Lock()
	m, err := p.mmapLocked(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.mmaps[id] = nil
	p.mu.Unlock()
	return m.Destroy(p.spt)
}

func (p *Process) mmapLocked(id int) (*mmap.Mapping, error) {
	if id < 0 || id >= len(p.mmaps) || p.mmaps[id] == nil {
		return nil, ErrNoSuchMmap
	}
	return p.mmaps[id], nil
}

// AddChild links child under p, the way process_execute's process_create +
// list_push_back(&p->chilren, ...) does.
func (p *Process) AddChild(child *Process) {
	p.mu.Lock()
	p.children = append(p.children, child)
	p.mu.Unlock()
	child.mu.Lock()
	child.parent = p
	child.mu.Unlock()
}

// Children returns a snapshot of p's live children.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, len(p.children))
	copy(out, p.children)
	return out
}

// SignalLoaded wakes a parent blocked in WaitLoaded, reporting whether the
// exec/load that just finished succeeded (spec §5 suspension point (e)).
func (p *Process) SignalLoaded(ok bool) {
	p.mu.Lock()
	p.loadOK = ok
	p.mu.Unlock()
	p.loadSem.Release(1)
}

// WaitLoaded blocks until the child calls SignalLoaded, returning the
// success flag it reported.
func (p *Process) WaitLoaded(ctx context.Context) (bool, error) {
	if err := p.loadSem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadOK, nil
}

// ExitCode returns the code the process exited with, or -1 if it has not
// exited (or was killed without ever calling Exit).
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Wait implements the parent half of process_wait's two-semaphore
// handshake: block until the child signals it has exited, read its code,
// then release it to finish freeing its own resources.
func (p *Process) Wait(ctx context.Context, child *Process) (int, error) {
	if err := child.waitSem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	code := child.ExitCode()
	child.exitSem.Release(1)
	return code, nil
}

// Exit implements process_exit: tear down every owned resource, then --
// if a parent exists to collect the exit code -- signal it and block until
// released, exactly mirroring the original's has_parent branch around the
// wait/exit semaphore pair.
func (p *Process) Exit(code int) error {
	p.mu.Lock()
	p.exitCode = code
	hasParent := p.parent != nil
	for _, c := range p.children {
		c.mu.Lock()
		c.parent = nil
		c.mu.Unlock()
	}
	p.mu.Unlock()

	if err := p.teardown(); err != nil {
		util.DPrintf(0, "process %d (%s): teardown error: %v\n", p.pid, p.name, err)
	}

	if hasParent {
		p.waitSem.Release(1)
		p.exitSem.Acquire(context.Background(), 1)
	}
	return nil
}

// teardown closes every open fd, destroys every mapping, closes the
// executable (reversing its deny-write), tears down the supplemental page
// table, and then releases the current directory -- spec §4.I's exit
// sequence.
func (p *Process) teardown() error {
	p.mu.Lock()
	fds := p.fds
	p.fds = nil
	mappings := p.mmaps
	p.mmaps = nil
	exe := p.executable
	p.executable = nil
	cwd := p.cwd
	p.cwd = nil
	p.mu.Unlock()

	var firstErr error
	for _, h := range fds {
		if h == nil {
			continue
		}
		if err := p.inodes.Close(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range mappings {
		if m == nil {
			continue
		}
		if err := m.Destroy(p.spt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if exe != nil {
		exe.AllowWrite()
		if err := p.inodes.Close(exe); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.spt.Teardown()

	if cwd != nil {
		if err := p.dirs.Close(cwd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
