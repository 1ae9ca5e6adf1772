package scanner

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// packageExtensions mark directories that behave as opaque bundles and are
// never descended into.
var packageExtensions = map[string]bool{
	".app":           true,
	".bundle":        true,
	".framework":     true,
	".photoslibrary": true,
	".musiclibrary":  true,
	".logicx":        true,
	".band":          true,
	".plugin":        true,
	".component":     true,
	".vst":           true,
	".vst3":          true,
}

// diskFile is one supported audio file found under a folder root.
type diskFile struct {
	path    string
	modTime int64 // unix nanoseconds
	size    int64
}

// discovery is the outcome of walking one folder root.
type discovery struct {
	files []diskFile
	// unreadable lists subdirectories whose listing failed. Tracks under them
	// are neither found nor removed.
	unreadable []string
}

// covers reports whether path lies under a directory that could not be read.
func (d discovery) covers(path string) bool {
	for _, dir := range d.unreadable {
		if isWithin(dir, path) {
			return true
		}
	}
	return false
}

// discover walks fsys, rooted at root on disk, and returns every supported
// audio file. Only a failure on root itself is returned.
func discover(fsys fs.FS, root string, supported func(ext string) bool) (discovery, error) {
	var found discovery
	err := fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err != nil {
			if name == "." {
				return err
			}
			if d != nil && d.IsDir() {
				found.unreadable = append(found.unreadable, path)
				return fs.SkipDir
			}
			return nil
		}
		if name != "." && isHidden(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if name != "." && isPackageDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !supported(strings.ToLower(filepath.Ext(name))) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Vanished between listing and stat.
			return nil
		}
		found.files = append(found.files, diskFile{
			path:    path,
			modTime: info.ModTime().UnixNano(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return discovery{}, err
	}
	return found, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isPackageDir(name string) bool {
	return packageExtensions[strings.ToLower(filepath.Ext(name))]
}
