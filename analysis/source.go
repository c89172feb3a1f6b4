// Package analysis turns a source video or a manual script into the
// extraction and hook score the rest of the pipeline plans from.
package analysis

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrDownloadFailed is returned when yt-dlp leaves no audio file behind.
var ErrDownloadFailed = errors.New("source audio download failed")

// audioExts are the containers yt-dlp writes for bestaudio, in lookup order.
var audioExts = []string{".webm", ".m4a", ".mp3", ".opus", ".wav"}

// Command runs an external program and returns its stdout.
type Command func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec runs the program, returning stderr's tail in the error.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			lines := strings.Split(strings.TrimSpace(string(exitErr.Stderr)), "\n")
			return out, fmt.Errorf("%s: %w: %s", name, err, lines[len(lines)-1])
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Downloader fetches source audio with yt-dlp into a cache keyed by the
// md5 of the URL, so a rerun of the same source never downloads twice.
type Downloader struct {
	cacheDir string
	log      *zap.Logger
	Bin      string
	Run      Command
}

func NewDownloader(cacheDir string, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		cacheDir: filepath.Join(cacheDir, "audio"),
		log:      logger.Named("source"),
		Bin:      "yt-dlp",
		Run:      Exec,
	}
}

// CacheKey is the file stem used for url in the cache.
func CacheKey(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Cached returns the cached audio file for url, if any.
func (d *Downloader) Cached(url string) (string, bool) {
	stem := filepath.Join(d.cacheDir, CacheKey(url))
	for _, ext := range audioExts {
		if fi, err := os.Stat(stem + ext); err == nil && fi.Size() > 0 {
			return stem + ext, true
		}
	}
	return "", false
}

// Fetch returns a local audio file for url, downloading it when it is not
// cached yet.
func (d *Downloader) Fetch(ctx context.Context, url string) (string, error) {
	if path, ok := d.Cached(url); ok {
		d.log.Info("[source] 📦 using cached audio", zap.String("file", path))
		return path, nil
	}
	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("create audio cache: %w", err)
	}

	d.log.Info("[source] ⬇️ downloading audio", zap.String("url", url))
	template := filepath.Join(d.cacheDir, CacheKey(url)+".%(ext)s")
	if _, err := d.Run(ctx, d.Bin,
		"--format", "bestaudio",
		"--output", template,
		"--no-playlist",
		"--quiet", "--no-warnings",
		url,
	); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	path, ok := d.Cached(url)
	if !ok {
		return "", ErrDownloadFailed
	}
	d.log.Info("[source] ✅ audio ready", zap.String("file", path))
	return path, nil
}

// Title reads the source video's title from yt-dlp's metadata dump.
func (d *Downloader) Title(ctx context.Context, url string) (string, error) {
	out, err := d.Run(ctx, d.Bin, "--dump-json", "--no-warnings", "--quiet", "--skip-download", url)
	if err != nil {
		return "", err
	}
	var info struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return "", fmt.Errorf("parse yt-dlp metadata: %w", err)
	}
	return strings.TrimSpace(info.Title), nil
}
