package gym

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrEnvNotFound is returned when a task names an environment that does not
// exist under the envs directory.
var ErrEnvNotFound = errors.New("source environment directory not found")

// PrepareEnv returns the directory the agent works in for one task. A task
// naming dirName gets a fresh clone of envs/<dirName> at
// envs/<dirName>_<instanceID>, replacing any earlier clone; otherwise an
// empty envs/<instanceID> is created.
func (p Paths) PrepareEnv(dirName, instanceID string) (string, error) {
	if dirName == "" {
		dst := filepath.Join(p.Envs, instanceID)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return "", fmt.Errorf("create environment: %w", err)
		}
		return dst, nil
	}

	src := filepath.Join(p.Envs, dirName)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrEnvNotFound, src)
	}
	dst := filepath.Join(p.Envs, dirName+"_"+instanceID)
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("remove previous clone: %w", err)
	}
	if err := copyTree(src, dst); err != nil {
		return "", fmt.Errorf("clone environment: %w", err)
	}
	return dst, nil
}

// copyTree copies src to dst keeping permission bits and symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and pipes are not part of an environment.
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
