package ctrbuild

import (
	"archive/tar"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// BuildDist packages a release archive NAME-VERSION.tar.zst next to the
// bundle, containing the bundle, its metadata block and the compressed
// build log. The name comes from the package, not the display title, so
// the archive name stays shell-friendly. Tar metadata is pinned so the
// archive is reproducible, and a BLAKE3 checksum file is written alongside.
func BuildDist(bundlePath, packageName string, meta *AppMetadata) (string, error) {
	distName := packageName
	if meta.Version != "" {
		distName = fmt.Sprintf("%s-%s", packageName, meta.Version)
	}
	distPath := filepath.Join(filepath.Dir(bundlePath), distName+".tar.zst")

	out, err := os.Create(distPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	members := []string{
		bundlePath,
		withExtension(bundlePath, ".smdh"),
		withExtension(bundlePath, ".log.xz"),
	}
	for _, member := range members {
		if err := addDistMember(tw, member); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if err := writeChecksumFile(distPath); err != nil {
		return "", err
	}
	return distPath, nil
}

// addDistMember appends one file to the archive. Missing optional members
// (e.g. no build log was kept) are skipped. Timestamps and ownership are
// fixed values; identical inputs produce identical archives.
func addDistMember(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0o644,
		Size:    st.Size(),
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// writeChecksumFile stores the archive's BLAKE3 checksum next to it, in
// the usual "<hex>  <name>" format.
func writeChecksumFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	return os.WriteFile(path+".b3", []byte(line), 0o644)
}
