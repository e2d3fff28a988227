package module

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultHotCopyTemplate names the per-load copy of a native library.
const DefaultHotCopyTemplate = "{name}-hot-{counter}"

// HotCopyPath returns where the counter-th load of path is copied to. The
// template may use {name} (file name without extension), {counter} and
// {pid}; the original extension is kept and the copy sits next to path.
func HotCopyPath(template, path string, counter int) string {
	if template == "" {
		template = DefaultHotCopyTemplate
	}
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	name := strings.TrimSuffix(file, ext)
	r := strings.NewReplacer(
		"{name}", name,
		"{counter}", strconv.Itoa(counter),
		"{pid}", strconv.Itoa(os.Getpid()),
	)
	return filepath.Join(dir, r.Replace(template)+ext)
}
