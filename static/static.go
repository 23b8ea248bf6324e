package spiderstatic

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
)

//go:embed files
var files embed.FS

// FileSystemHandler serves static/files from the working directory when
// present (handy while editing the UI), otherwise the embedded copy.
func FileSystemHandler() http.Handler {
	if info, err := os.Stat("static/files/"); err == nil && info.IsDir() {
		return http.FileServer(http.Dir("static/files/"))
	}
	sub, err := fs.Sub(files, "files")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
