// Package artifact decides where a generated document lives: a folder that is
// a pure function of (root, user, conversation) and a base name nobody can
// guess ahead of time.
package artifact

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// nameBytes matches the entropy of a 16-byte URL-safe token.
const nameBytes = 16

var (
	// ErrEmptyIdentity is returned when a user or conversation id is blank.
	ErrEmptyIdentity = errors.New("artifact: identity is empty")

	// ErrUnsafeIdentity is returned when an id is not a single path segment.
	ErrUnsafeIdentity = errors.New("artifact: identity is not a safe path segment")
)

// Location is the canonical on-kernel location of one artifact.
type Location struct {
	Root         string
	User         string
	Conversation string
	Name         string
	Extension    string
}

// New builds a Location with a fresh random base name.
func New(root, user, conversation, extension string) (Location, error) {
	if err := ValidateIdentity(user); err != nil {
		return Location{}, fmt.Errorf("user id: %w", err)
	}
	if err := ValidateIdentity(conversation); err != nil {
		return Location{}, fmt.Errorf("conversation id: %w", err)
	}
	name, err := NewName(extension)
	if err != nil {
		return Location{}, err
	}
	return Location{
		Root:         root,
		User:         user,
		Conversation: conversation,
		Name:         name,
		Extension:    strings.TrimPrefix(extension, "."),
	}, nil
}

// Folder returns root/user/conversation.
func (l Location) Folder() string {
	return Folder(l.Root, l.User, l.Conversation)
}

// Path returns the full canonical path of the artifact.
func (l Location) Path() string {
	return path.Join(l.Folder(), l.Name)
}

// Folder joins the canonical folder. Kernel hosts are POSIX, so this uses
// package path rather than filepath.
func Folder(root, user, conversation string) string {
	return path.Join(root, user, conversation)
}

// NewName returns a random URL-safe base name with the given extension.
func NewName(extension string) (string, error) {
	buf := make([]byte, nameBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("artifact: generate name: %w", err)
	}
	name := base64.RawURLEncoding.EncodeToString(buf)
	ext := strings.TrimPrefix(extension, ".")
	if ext == "" {
		return name, nil
	}
	return name + "." + ext, nil
}

// ValidateIdentity checks that id can be used as exactly one folder name.
func ValidateIdentity(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyIdentity
	}
	if id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrUnsafeIdentity, id)
	}
	return nil
}

// DownloadURL builds the retrieval URL served for a stored artifact.
func DownloadURL(base string, l Location) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("artifact: parse download base: %w", err)
	}
	q := u.Query()
	q.Set("user_id", l.User)
	q.Set("chat_id", l.Conversation)
	q.Set("file_name", l.Name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
