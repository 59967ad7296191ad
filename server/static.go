// Package server is the HTTP surface: the flat path-and-method dispatcher,
// the handler set, sessions, the share-link store, and the static cache.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/NVIDIA/meshrank/cmn/cos"
	"github.com/NVIDIA/meshrank/cmn/nlog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/karrick/godirwalk"
)

const staticCacheCap = 200

var shellPathRe = regexp.MustCompile(`^/(s|msg)/\d{5}$`)

type (
	staticEntry struct {
		data  []byte
		mtime int64
		ctype string
		etag  string
	}

	// staticCache serves only files under the bundled directory, keyed by
	// path and validated by mtime on every hit.
	staticCache struct {
		dir   string
		cache *lru.Cache[string, *staticEntry]
	}
)

func newStaticCache(dir string) *staticCache {
	cache, _ := lru.New[string, *staticEntry](staticCacheCap)
	sc := &staticCache{dir: dir, cache: cache}
	sc.prewarm()
	return sc
}

// prewarm walks the bundled directory once at boot so the first requests
// never touch cold disk.
func (sc *staticCache) prewarm() {
	n := 0
	err := godirwalk.Walk(sc.dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsRegular() && n < staticCacheCap {
				rel, err := filepath.Rel(sc.dir, path)
				if err == nil {
					if _, ok := sc.load(rel); ok {
						n++
					}
				}
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		if !os.IsNotExist(err) {
			nlog.Warningf("static: prewarm: %v", err)
		}
		return
	}
	nlog.Infof("static: prewarmed %d files from %s", n, sc.dir)
}

func (sc *staticCache) load(rel string) (*staticEntry, bool) {
	full := filepath.Join(sc.dir, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, filepath.Clean(sc.dir)+string(os.PathSeparator)) {
		return nil, false
	}
	fi, err := os.Stat(full)
	if err != nil || fi.IsDir() {
		return nil, false
	}
	mtime := fi.ModTime().UnixNano()
	if ent, ok := sc.cache.Get(rel); ok && ent.mtime == mtime {
		return ent, true
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, false
	}
	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	ent := &staticEntry{
		data:  data,
		mtime: mtime,
		ctype: ctype,
		etag:  `"` + cos.ChecksumB16(rel+":"+strconv.FormatInt(mtime, 10)) + `"`,
	}
	sc.cache.Add(rel, ent)
	return ent, true
}

// serveStatic handles everything the API route table does not: the HTML
// shell for "/", "/s/NNNNN", "/msg/NNNNN", and the bundled assets.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" || shellPathRe.MatchString(path) {
		path = "/index.html"
	}
	ent, ok := s.static.load(strings.TrimPrefix(path, "/"))
	if !ok {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", ent.ctype)
	hdr.Set("ETag", ent.etag)
	if r.Header.Get("If-None-Match") == ent.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(ent.data)
}
