package util

import (
	"os"
)

// CheckFileExists reports whether the path names an existing file or
// directory. Stat errors other than non-existence also report false.
func CheckFileExists(fpath string) bool {
	_, e := os.Stat(fpath)
	return e == nil
}
