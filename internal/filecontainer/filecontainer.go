// Package filecontainer implements a rotation-aware log cursor: open,
// readline, and close, with rotation detected by either an inode change or
// a change in the file's first-line MD5.
package filecontainer

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sync"
)

// IoError is the IoError kind: log-file open/read failure. Logged by the
// caller; the affected scan pass ends and the container retries on the
// next pass.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("filecontainer: %s: %v", e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// Container is a FileContainer: a rotation-aware cursor over one log
// path, preserving position across reopen.
type Container struct {
	mu            sync.Mutex
	path          string
	tail          bool
	file          *os.File
	reader        *bufio.Reader
	inode         uint64
	firstLineHash [16]byte
	pos           int64
	initialized   bool
}

// New opens path once, recording its inode and first-line MD5. If tail is
// true, the initial position is EOF; otherwise 0.
func New(path string, tail bool) (*Container, error) {
	c := &Container{path: path, tail: tail}
	if err := c.open(); err != nil {
		return nil, err
	}
	if tail {
		size, err := c.file.Seek(0, io.SeekEnd)
		if err != nil {
			c.file.Close()
			return nil, &IoError{Path: path, Err: err}
		}
		c.pos = size
	} else {
		c.pos = 0
	}
	if _, err := c.file.Seek(c.pos, io.SeekStart); err != nil {
		c.file.Close()
		return nil, &IoError{Path: path, Err: err}
	}
	c.reader = bufio.NewReader(c.file)
	return c, nil
}

func firstLineFingerprint(f *os.File) ([16]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return [16]byte{}, err
	}
	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return [16]byte{}, err
	}
	// ReadBytes returns the partial read (possibly empty) alongside
	// io.EOF; that is still well-defined input to the fingerprint, so an
	// empty file fingerprints consistently across reopens.
	return md5.Sum(line), nil
}

func inodeOf(info os.FileInfo) uint64 {
	return inodeFromStat(info)
}

// open reopens the file handle, recomputes the rotation fingerprint, and
// resets pos to 0 if rotation is detected; it then seeks to pos. Called
// once at construction and once per scan pass by callers that need a
// fresh rotation check (Open).
func (c *Container) open() error {
	f, err := os.OpenFile(c.path, os.O_RDONLY, 0)
	if err != nil {
		return &IoError{Path: c.path, Err: err}
	}
	setCloseOnExec(f)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return &IoError{Path: c.path, Err: err}
	}
	newInode := inodeOf(info)

	newHash, err := firstLineFingerprint(f)
	if err != nil {
		f.Close()
		return &IoError{Path: c.path, Err: err}
	}

	rotated := c.initialized && (newInode != c.inode || newHash != c.firstLineHash)

	c.inode = newInode
	c.firstLineHash = newHash
	c.initialized = true

	if c.file != nil {
		c.file.Close()
	}
	c.file = f

	if rotated {
		c.pos = 0
	}

	// File shorter than pos after reopen: treat as rotation too, since a
	// seek past end-of-file would otherwise silently clamp to EOF.
	if c.pos > info.Size() {
		c.pos = 0
	}

	if _, err := c.file.Seek(c.pos, io.SeekStart); err != nil {
		return &IoError{Path: c.path, Err: err}
	}
	c.reader = bufio.NewReader(c.file)
	return nil
}

// Open reopens the handle, applying the rotation check described above.
// Exported so callers can force a fresh rotation check between scan passes.
func (c *Container) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open()
}

// ReadLine returns the next line (without its trailing newline) or the
// empty-string sentinel at EOF. Never blocks.
func (c *Container) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader == nil {
		return "", &IoError{Path: c.path, Err: fmt.Errorf("container not open")}
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			// Partial (or no) line at EOF: don't advance pos, it may
			// grow on the next pass. Reported as the empty sentinel.
			return "", nil
		}
		return "", &IoError{Path: c.path, Err: err}
	}

	c.pos += int64(len(line))
	trimmed := line
	if n := len(trimmed); n > 0 && trimmed[n-1] == '\n' {
		trimmed = trimmed[:n-1]
	}
	if n := len(trimmed); n > 0 && trimmed[n-1] == '\r' {
		trimmed = trimmed[:n-1]
	}
	return trimmed, nil
}

// Close records the current byte offset into pos and releases the handle.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	// ReadLine advances pos by every delivered line, so pos already holds
	// the offset of the first undelivered byte; a partial line read at
	// EOF is not counted and is read again after the next Open.
	err := c.file.Close()
	c.file = nil
	c.reader = nil
	if err != nil {
		return &IoError{Path: c.path, Err: err}
	}
	return nil
}

// Path returns the monitored path.
func (c *Container) Path() string { return c.path }
