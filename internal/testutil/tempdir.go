package testutil

import (
	"os"
	"testing"
)

func mkShortTempDir(t testing.TB) (string, error) {
	dir, err := os.MkdirTemp("", "cd")
	if err != nil {
		return "", err
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir, nil
}
