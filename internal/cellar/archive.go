package cellar

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

type archiveFormat string

const (
	formatTar    archiveFormat = "tar"
	formatTarGz  archiveFormat = "tar.gz"
	formatTarBz2 archiveFormat = "tar.bz2"
	formatTarXz  archiveFormat = "tar.xz"
	formatTarZst archiveFormat = "tar.zst"
	formatZip    archiveFormat = "zip"
)

var errUnsupportedArchive = errors.New("unsupported archive format")

// detectFormat sniffs the archive's magic bytes. File names in the cache
// are not trusted to carry the right extension.
func detectFormat(file string) (archiveFormat, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return formatTarGz, nil
	case bytes.HasPrefix(head, []byte("BZh")):
		return formatTarBz2, nil
	case bytes.HasPrefix(head, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return formatTarXz, nil
	case bytes.HasPrefix(head, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return formatTarZst, nil
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return formatZip, nil
	case len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")):
		return formatTar, nil
	}
	return "", errUnsupportedArchive
}

// openTar returns a tar reader over the decompressed stream.
func openTar(file string, format archiveFormat) (*tar.Reader, func(), error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReaderSize(f, 256*1024)

	var r io.Reader = br
	closeAll := func() { f.Close() }
	switch format {
	case formatTarGz:
		gz, err := pgzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		r = gz
		closeAll = func() { gz.Close(); f.Close() }
	case formatTarBz2:
		r = bzip2.NewReader(br)
	case formatTarXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xr
	case formatTarZst:
		zst, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		r = zst
		closeAll = func() { zst.Close(); f.Close() }
	case formatTar:
	default:
		f.Close()
		return nil, nil, errUnsupportedArchive
	}
	return tar.NewReader(r), closeAll, nil
}

// cleanEntryName normalizes an archive member name and rejects names that
// would escape the destination.
func cleanEntryName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) {
		return "", fmt.Errorf("illegal absolute path in archive: %s", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// stripComponents drops the first n path components. It returns "" when
// nothing is left.
func stripComponents(name string, n int) string {
	for i := 0; i < n; i++ {
		idx := strings.IndexByte(name, '/')
		if idx == -1 {
			return ""
		}
		name = name[idx+1:]
	}
	return name
}

// listArchive returns the cleaned member names.
func listArchive(file string, format archiveFormat) ([]string, error) {
	var names []string
	if format == formatZip {
		r, err := zip.OpenReader(file)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		for _, zf := range r.File {
			name, err := cleanEntryName(zf.Name)
			if err != nil {
				return nil, err
			}
			if name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}

	tr, closeAll, err := openTar(file, format)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header: %w", err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		name, err := cleanEntryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// autoStrip returns 1 when every member lives under one top-level directory.
func autoStrip(names []string) int {
	if len(names) == 0 {
		return 0
	}
	top, _, _ := strings.Cut(names[0], "/")
	nested := false
	for _, n := range names {
		first, rest, found := strings.Cut(n, "/")
		if first != top {
			return 0
		}
		if found && rest != "" {
			nested = true
		}
	}
	if !nested {
		return 0
	}
	return 1
}

// extractArchive unpacks file into dest. strip nil means auto detection.
func extractArchive(file, dest string, strip *int) error {
	format, err := detectFormat(file)
	if err != nil {
		return err
	}

	n := 0
	if strip != nil {
		n = *strip
	} else {
		names, err := listArchive(file, format)
		if err != nil {
			return err
		}
		n = autoStrip(names)
	}

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if format == formatZip {
		return unzipArchive(file, dest, n)
	}
	return untarArchive(file, format, dest, n)
}

// memberPath returns the root-relative path of an archive member after
// stripping. ok is false when nothing is left of the name.
func memberPath(name string, strip int) (string, bool, error) {
	clean, err := cleanEntryName(name)
	if err != nil {
		return "", false, err
	}
	rel := stripComponents(clean, strip)
	if rel == "" {
		return "", false, nil
	}
	return filepath.FromSlash(rel), true, nil
}

// linkInside reports whether a symlink at rel pointing to target stays
// inside the extraction root when read lexically. Links that resolve through
// other links are caught by the root itself.
func linkInside(rel, target string) bool {
	if filepath.IsAbs(target) {
		return false
	}
	resolved := filepath.Join(filepath.Dir(rel), target)
	return resolved == "." || filepath.IsLocal(resolved)
}

// mkParent creates the parent directories of rel inside root.
func mkParent(root *os.Root, rel string) error {
	dir := filepath.Dir(rel)
	if dir == "." {
		return nil
	}
	if err := root.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir for %s: %w", rel, err)
	}
	return nil
}

func untarArchive(file string, format archiveFormat, dest string, strip int) error {
	tr, closeAll, err := openTar(file, format)
	if err != nil {
		return err
	}
	defer closeAll()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		rel, ok, err := memberPath(hdr.Name, strip)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := mkParent(root, rel); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(rel, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", rel, err)
			}
		case tar.TypeReg:
			if err := writeFile(root, rel, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
			_ = root.Chtimes(rel, hdr.AccessTime, hdr.ModTime)
		case tar.TypeSymlink:
			if !linkInside(rel, hdr.Linkname) {
				return fmt.Errorf("illegal symlink in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = root.Remove(rel)
			if err := root.Symlink(hdr.Linkname, rel); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", rel, hdr.Linkname, err)
			}
		case tar.TypeLink:
			target, ok, err := memberPath(hdr.Linkname, strip)
			if err != nil || !ok {
				return fmt.Errorf("illegal hard link in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = root.Remove(rel)
			if err := root.Link(target, rel); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", rel, err)
			}
		default:
			logger := GetLogger("archive")
			logger.Debug().Str("entry", hdr.Name).Msgf("Skipping unsupported tar entry type %c", hdr.Typeflag)
		}
	}
	return nil
}

func unzipArchive(file, dest string, strip int) error {
	r, err := zip.OpenReader(file)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	for _, zf := range r.File {
		rel, ok, err := memberPath(zf.Name, strip)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if zf.FileInfo().IsDir() {
			if err := root.MkdirAll(rel, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := mkParent(root, rel); err != nil {
			return err
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(root, rel, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFile creates rel inside root. Existing files are replaced, never
// written through, so a planted symlink cannot redirect the write.
func writeFile(root *os.Root, rel string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	if st, err := root.Lstat(rel); err == nil && !st.IsDir() {
		_ = root.Remove(rel)
	}
	out, err := root.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", rel, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", rel, err)
	}
	return out.Close()
}
