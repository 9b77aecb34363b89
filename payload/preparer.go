package payload

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// readBuf is the buffer size used while copying/hashing payload bytes,
// matching the 256KiB chunk the original implementation reads with.
const readBuf = 1024 * 256

// StdinSentinel is the input path value meaning "read from the invoking
// environment's byte stream" rather than a file or directory.
const StdinSentinel = "-"

// FileEntry describes one file gathered while packaging a directory (or
// the single file passed as input). It never crosses the wire; only the
// number of entries does, as the session's file_count.
type FileEntry struct {
	Path  string
	Size  int64
	Mtime time.Time
	Mode  os.FileMode
}

// PreparedPayload is the sender-side descriptor produced by Prepare. Its
// Path names a temporary file scoped to one session; the caller owns that
// file exclusively and must remove it once the session ends, success or
// failure.
type PreparedPayload struct {
	Path        string
	Size        int64
	SHA256      string
	Packaging   string // "raw" or "tar"
	Compression string // "none" or "gz"
	RootName    string
	Files       []FileEntry
}

// Prepare normalises input into a regular byte file the chunker can stream.
//
//   - input is a directory: tar it (optionally gzipped) under a single
//     top-level entry named rootName (default: the directory's base name).
//   - input is StdinSentinel: copy stdin (optionally gzipped); rootName
//     defaults to "stdin.bin".
//   - otherwise: copy the named file (optionally gzipped).
//
// sha256 is always computed over the final, post-compression bytes.
func Prepare(input string, stdin io.Reader, compress bool, rootName string) (*PreparedPayload, error) {
	if input != StdinSentinel {
		st, err := os.Stat(input)
		if err != nil {
			return nil, errors.Wrap(err, "payload: stat input")
		}
		if st.IsDir() {
			return prepareDir(input, compress, rootName)
		}
	}
	return prepareSingle(input, stdin, compress, rootName)
}

func prepareDir(dir string, compress bool, rootName string) (*PreparedPayload, error) {
	base := rootName
	if base == "" {
		base = filepath.Base(filepath.Clean(dir))
	}

	tmpPath, tmpFile, err := newTempFile(suffixFor("tar", compress))
	if err != nil {
		return nil, err
	}
	defer tmpFile.Close()

	hasher := sha256.New()
	mw := io.MultiWriter(tmpFile, hasher)

	var archiveWriter io.Writer = mw
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(mw)
		archiveWriter = gz
	}

	tw := tar.NewWriter(archiveWriter)
	files, err := addDirToTar(tw, dir, base)
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "payload: close tar writer")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, errors.Wrap(err, "payload: close gzip writer")
		}
	}

	size, err := fileSize(tmpPath)
	if err != nil {
		return nil, err
	}

	compression := "none"
	if compress {
		compression = "gz"
	}
	return &PreparedPayload{
		Path:        tmpPath,
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		Packaging:   "tar",
		Compression: compression,
		RootName:    base,
		Files:       files,
	}, nil
}

func addDirToTar(tw *tar.Writer, root, base string) ([]FileEntry, error) {
	var files []FileEntry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := safeRelPath(path, root)
		name := base
		if path != root {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return errors.Wrap(err, "payload: tar header")
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrap(err, "payload: tar write header")
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "payload: open "+path)
		}
		defer f.Close()
		if _, err := io.CopyBuffer(tw, f, make([]byte, readBuf)); err != nil {
			return errors.Wrap(err, "payload: tar copy "+path)
		}
		files = append(files, FileEntry{Path: rel, Size: info.Size(), Mtime: info.ModTime(), Mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "payload: walk directory")
	}
	return files, nil
}

func prepareSingle(input string, stdin io.Reader, compress bool, rootName string) (*PreparedPayload, error) {
	var src io.ReadCloser
	base := rootName
	var files []FileEntry

	if input == StdinSentinel {
		if base == "" {
			base = "stdin.bin"
		}
		if stdin == nil {
			stdin = os.Stdin
		}
		src = io.NopCloser(stdin)
	} else {
		f, err := os.Open(input)
		if err != nil {
			return nil, errors.Wrap(err, "payload: open input")
		}
		if base == "" {
			base = filepath.Base(input)
		}
		if st, err := f.Stat(); err == nil {
			files = append(files, FileEntry{Path: base, Size: st.Size(), Mtime: st.ModTime(), Mode: st.Mode()})
		}
		src = f
	}
	defer src.Close()

	tmpPath, tmpFile, err := newTempFile(suffixFor("raw", compress))
	if err != nil {
		return nil, err
	}
	defer tmpFile.Close()

	hasher := sha256.New()
	mw := io.MultiWriter(tmpFile, hasher)

	var dst io.Writer = mw
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(mw)
		dst = gz
	}
	if _, err := io.CopyBuffer(dst, src, make([]byte, readBuf)); err != nil {
		return nil, errors.Wrap(err, "payload: copy input")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, errors.Wrap(err, "payload: close gzip writer")
		}
	}

	size, err := fileSize(tmpPath)
	if err != nil {
		return nil, err
	}

	compression := "none"
	if compress {
		compression = "gz"
	}
	return &PreparedPayload{
		Path:        tmpPath,
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		Packaging:   "raw",
		Compression: compression,
		RootName:    base,
		Files:       files,
	}, nil
}

// safeRelPath computes path relative to root, falling back to the base
// name if the two can't be related (e.g. crossing volume roots). Ported
// from the original implementation's defensive relpath handling.
func safeRelPath(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	if rel == "." {
		return filepath.Base(path)
	}
	return rel
}

func suffixFor(kind string, compress bool) string {
	switch {
	case kind == "tar" && compress:
		return ".tar.gz"
	case kind == "tar":
		return ".tar"
	case compress:
		return ".gz"
	default:
		return ".bin"
	}
}

// newTempFile creates a session-scoped temporary file named with a ULID so
// it sorts and greps cleanly alongside stats-log entries, rather than the
// random suffix os.CreateTemp produces.
func newTempFile(suffix string) (string, *os.File, error) {
	name := filepath.Join(os.TempDir(), "qrcm-"+newULID()+suffix)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", nil, errors.Wrap(err, "payload: create temp file")
	}
	return name, f, nil
}

func newULID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "payload: stat temp file")
	}
	return st.Size(), nil
}
