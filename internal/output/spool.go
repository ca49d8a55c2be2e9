package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SpoolForUpload hands a finished trace off to the upload path by
// moving it into the spool directory under its session UUID. The
// uploader daemon owns the file from there. Rename is attempted first;
// a copy-and-remove covers spool directories on a different filesystem.
func SpoolForUpload(tracePath, spoolDir, sessionUUID string) (string, error) {
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return "", fmt.Errorf("create spool dir %s: %w", spoolDir, err)
	}
	dest := filepath.Join(spoolDir, sessionUUID+".trace")
	if err := os.Rename(tracePath, dest); err == nil {
		return dest, nil
	}
	if err := copyFile(tracePath, dest); err != nil {
		return "", fmt.Errorf("spool trace to %s: %w", dest, err)
	}
	os.Remove(tracePath)
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
