package compiler

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// compressArtifact writes a zstd-compressed copy of the binary next to it
// and returns the new path and size. The uncompressed original is removed.
func compressArtifact(path string) (string, int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	outPath := path + ".zst"
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return "", 0, err
	}
	if err := enc.Close(); err != nil {
		return "", 0, err
	}

	info, err := out.Stat()
	if err != nil {
		return "", 0, err
	}
	_ = os.Remove(path)
	return outPath, info.Size(), nil
}

// DecompressArtifact expands a zstd-compressed binary into dstPath with the
// executable bit set. Deployment uses this when a cached artifact was
// stored compressed.
func DecompressArtifact(srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()

	// Compressed input is produced locally, so decompression bombs are
	// not a concern here.
	if _, err := io.Copy(out, dec.IOReadCloser()); err != nil {
		return err
	}
	return nil
}
