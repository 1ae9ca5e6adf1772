// Package access abstracts how the engine regains permission to read a
// library folder between sessions.
package access

import (
	"errors"
	"fmt"
	"os"

	"legato/pkg/models"
)

// ErrAccessLapsed is returned when a folder can no longer be opened.
var ErrAccessLapsed = errors.New("folder access lapsed")

// Token grants access to one folder root.
type Token interface {
	// Resolve returns the readable root path.
	Resolve() (string, error)
	// Refresh renews the grant, returning the new token and the opaque
	// bytes to persist as the folder bookmark.
	Refresh() (Token, []byte, error)
}

// Provider hands out tokens for stored folders.
type Provider interface {
	Token(folder models.Folder) Token
}

// PathProvider trusts stored paths directly; the bookmark is the path itself.
type PathProvider struct{}

// Token returns a path-backed token for folder.
func (PathProvider) Token(folder models.Folder) Token {
	return pathToken{path: folder.Path}
}

type pathToken struct {
	path string
}

func (t pathToken) Resolve() (string, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAccessLapsed, t.path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrAccessLapsed, t.path)
	}
	f, err := os.Open(t.path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAccessLapsed, t.path, err)
	}
	f.Close()
	return t.path, nil
}

func (t pathToken) Refresh() (Token, []byte, error) {
	if _, err := t.Resolve(); err != nil {
		return nil, nil, err
	}
	return t, []byte(t.path), nil
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(folder models.Folder) Token

// Token calls f(folder).
func (f ProviderFunc) Token(folder models.Folder) Token {
	return f(folder)
}
