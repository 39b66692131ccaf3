package emulate

import (
	_ "crypto/sha256" // registers digest.Canonical
	"io"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/meigma/overlay/internal/pathutil"
)

const dumpDirPerm = 0o750

// dump writes f under the dump folder. Failures are logged only.
func (g *Gatekeeper) dump(path string, f File) {
	if g.dumpDir == "" {
		return
	}
	name := pathutil.Base(path)
	if g.dumpCompress {
		name += ".zst"
	}
	dst := filepath.Join(g.dumpDir, name)
	g.log().Info("dumping emulated file", "path", path, "dump", dst)
	d, err := writeDump(g.fs, dst, f, g.dumpCompress)
	if err != nil {
		g.log().Warn("unable to dump emulated file", "path", path, "dump", dst, "err", err)
		return
	}
	g.log().Info("emulated file dumped", "dump", dst, "size", f.Size(), "digest", d.String())
}

// writeDump copies f to dst through a temporary file and a rename, so dst
// is either absent or complete. The digest covers the uncompressed bytes.
func writeDump(fsys afero.Fs, dst string, f File, compress bool) (digest.Digest, error) {
	dir := filepath.Dir(dst)
	if err := fsys.MkdirAll(dir, dumpDirPerm); err != nil {
		return "", err
	}
	tmp, err := afero.TempFile(fsys, dir, "dump-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	digester := digest.Canonical.Digester()
	src := io.TeeReader(io.NewSectionReader(f, 0, f.Size()), digester.Hash())
	if compress {
		err = copyCompressed(tmp, src)
	} else {
		_, err = io.Copy(tmp, src)
	}
	if err != nil {
		_ = tmp.Close()
		_ = fsys.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = fsys.Remove(tmpPath)
		return "", err
	}
	if err := fsys.Rename(tmpPath, dst); err != nil {
		_ = fsys.Remove(tmpPath)
		return "", err
	}
	return digester.Digest(), nil
}

func copyCompressed(w io.Writer, r io.Reader) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}
