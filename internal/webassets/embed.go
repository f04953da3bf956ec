// Package webassets embeds the placeholder pages and their stylesheet.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed pages static
var embedded embed.FS

func sub(dir string) fs.FS {
	s, err := fs.Sub(embedded, dir)
	if err != nil {
		panic(fmt.Errorf("webassets: %s subfs: %w", dir, err))
	}
	return s
}

// PagesFS holds index.html, auth.html and dashboard.html.
func PagesFS() fs.FS { return sub("pages") }

// StaticFS is served under /static/.
func StaticFS() fs.FS { return sub("static") }
