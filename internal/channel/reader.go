// Package channel reads files from package channels, which are either plain
// directories or HTTP(S) servers laid out as <base>/<subdir>/<filename>.
package channel

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type ErrNotFound struct {
	url *url.URL
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%v: HTTP status 404", e.url)
}

// IsNotFound reports whether err means the requested file does not exist in
// the channel.
func IsNotFound(err error) bool {
	if _, ok := err.(*ErrNotFound); ok {
		return true
	}
	return os.IsNotExist(err)
}

type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (n int, err error) {
	return r.zr.Read(p)
}

func (r *gzipReader) Close() error {
	if err := r.zr.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

type closeFuncReadCloser struct {
	reader    io.Reader
	closeFunc func() error
}

func (cfrc *closeFuncReadCloser) Read(p []byte) (n int, err error) {
	return cfrc.reader.Read(p)
}

func (cfrc *closeFuncReadCloser) Close() error {
	return cfrc.closeFunc()
}

var httpClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 10,
	DisableCompression:  true,
}}

func cacheFn(cache bool, base, fn string) string {
	if !cache {
		return ""
	}
	ucd, err := os.UserCacheDir()
	if err != nil {
		log.Printf("cannot cache: %v", err)
		return ""
	}
	cacheFn := filepath.Join(ucd, "conda", strings.ReplaceAll(base, "/", "_"), fn)
	if err := os.MkdirAll(filepath.Dir(cacheFn), 0755); err != nil {
		log.Printf("cannot cache: %v", err)
		return ""
	}
	return cacheFn
}

// Reader opens base/fn. For HTTP channels, responses can be cached in the
// user cache directory and revalidated with If-Modified-Since.
func Reader(ctx context.Context, base, fn string, cache bool) (io.ReadCloser, error) {
	if !strings.HasPrefix(base, "http://") &&
		!strings.HasPrefix(base, "https://") {
		return os.Open(filepath.Join(base, fn))
	}

	var ifModifiedSince time.Time
	cacheFn := cacheFn(cache, base, fn)
	if cacheFn != "" {
		if st, err := os.Stat(cacheFn); err == nil {
			ifModifiedSince = st.ModTime()
		}
	}

	req, err := http.NewRequest("GET", strings.TrimSuffix(base, "/")+"/"+fn, nil)
	if err != nil {
		return nil, err
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.Format(http.TimeFormat))
	}
	// good for typical links (≤ gigabit)
	// performance bottleneck for faster links (10 gbit/s+)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if cacheFn != "" && resp.StatusCode == http.StatusNotModified {
		return os.Open(cacheFn)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		if got == http.StatusNotFound {
			return nil, &ErrNotFound{url: req.URL}
		}
		return nil, fmt.Errorf("%s: HTTP status %v", req.URL, resp.Status)
	}
	rdc := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		rd, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		rdc = &gzipReader{body: resp.Body, zr: rd}
	}
	var cacheFile *os.File
	if cacheFn != "" {
		cacheFile, err = os.Create(cacheFn)
		if err != nil {
			log.Printf("cannot cache: %v", err)
		}
	}
	wr := io.Discard
	if cacheFile != nil {
		wr = cacheFile
	}
	mtime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		var err error
		mtime, err = time.Parse(http.TimeFormat, lm)
		if err != nil {
			log.Printf("invalid Last-Modified header %q", lm)
			mtime = time.Now()
		}
	}
	return &closeFuncReadCloser{
		reader: io.TeeReader(rdc, wr),
		closeFunc: func() error {
			if err := rdc.Close(); err != nil {
				return err
			}
			if cacheFile != nil {
				if err := cacheFile.Close(); err != nil {
					return err
				}
				if err := os.Chtimes(cacheFn, mtime, mtime); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}
