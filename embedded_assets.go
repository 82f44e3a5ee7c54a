package main

import (
	"embed"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

//go:embed dist/*
var webappContent embed.FS

// uiFiles is the embedded UI with the "dist" prefix stripped
var uiFiles = mustSub(webappContent, "dist")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// serveUI serves a file of the chat UI.
// Paths without an extension are client side routes and get index.html.
func serveUI(c *gin.Context, name string) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		name = "index.html"
	}

	f, err := uiFiles.Open(name)
	if err != nil && path.Ext(name) == "" {
		name = "index.html"
		f, err = uiFiles.Open(name)
	}
	if err != nil {
		log.Warnf("UI file not found: %s", name)
		c.Status(http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		c.Status(http.StatusNotFound)
		return
	}

	// index.html references the assets, so it must not be cached across deploys
	if name == "index.html" {
		c.Header("Cache-Control", "no-cache")
	} else {
		c.Header("Cache-Control", "public, max-age=3600")
	}
	http.ServeContent(c.Writer, c.Request, stat.Name(), stat.ModTime(), f.(io.ReadSeeker))
}
