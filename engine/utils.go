package engine

import (
	"errors"
	"fmt"
	"os"
)

func mkdir(dirpath string) error {
	st, err := os.Stat(dirpath)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dirpath, os.ModePerm)
	}
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("path exists but is not a directory, please remove it: %s", dirpath)
	}
	return nil
}
