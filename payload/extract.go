package payload

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/qrcm/qrcm/protocol"
)

// Extract writes the reassembled byte file to its user-visible final form,
// per the extraction collaborator contract:
//
//   - packaging "tar" and extract requested: unpack into the destination
//     directory.
//   - packaging "raw", compression "gz": gunzip into the destination file.
//   - packaging "raw", compression "none": copy bytes to destination.
//   - otherwise: copy bytes unchanged.
//
// It returns the final output path.
func Extract(meta protocol.SessionMetadata, payloadPath, output string, extract bool) (string, error) {
	if meta.Packaging == "tar" && extract {
		if err := os.MkdirAll(output, 0o755); err != nil {
			return "", errors.Wrap(err, "extract: mkdir destination")
		}
		if err := extractTar(payloadPath, output, meta.Compression == "gz"); err != nil {
			return "", err
		}
		return output, nil
	}

	if meta.Packaging == "raw" {
		if meta.Compression == "gz" {
			if err := gunzipToFile(payloadPath, output); err != nil {
				return "", err
			}
			return output, nil
		}
		if err := copyToFile(payloadPath, output); err != nil {
			return "", err
		}
		return output, nil
	}

	if err := copyToFile(payloadPath, output); err != nil {
		return "", err
	}
	return output, nil
}

func extractTar(src, destDir string, gzipped bool) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "extract: open archive")
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrap(err, "extract: open gzip reader")
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "extract: read tar header")
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(err, "extract: mkdir "+target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "extract: mkdir parent of "+target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return errors.Wrap(err, "extract: create "+target)
			}
			if _, err := io.CopyBuffer(out, tr, make([]byte, readBuf)); err != nil {
				out.Close()
				return errors.Wrap(err, "extract: write "+target)
			}
			if err := out.Close(); err != nil {
				return errors.Wrap(err, "extract: close "+target)
			}
		}
	}
}

// safeJoin joins dir and name, rejecting any archive entry that would
// escape dir via "..".
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if target != dir && !isWithin(dir, target) {
		return "", errors.Errorf("extract: tar entry %q escapes destination", name)
	}
	return target, nil
}

func isWithin(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func gunzipToFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "extract: open source")
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return errors.Wrap(err, "extract: open gzip reader")
	}
	defer gz.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "extract: mkdir destination")
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "extract: create destination")
	}
	defer out.Close()

	if _, err := io.CopyBuffer(out, gz, make([]byte, readBuf)); err != nil {
		return errors.Wrap(err, "extract: gunzip copy")
	}
	return nil
}

func copyToFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "extract: open source")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "extract: mkdir destination")
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "extract: create destination")
	}
	defer out.Close()

	if _, err := io.CopyBuffer(out, in, make([]byte, readBuf)); err != nil {
		return errors.Wrap(err, "extract: copy")
	}
	return nil
}
