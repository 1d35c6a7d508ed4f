// Package archive keeps a copy of every accepted alarm message in a maildir
// per mailbox, so that alarms can be inspected or replayed later.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/emersion/go-maildir"
)

// Archive delivers raw messages into <base>/<mailbox>/new.
type Archive struct {
	base string

	mu    sync.Mutex
	ready map[string]maildir.Dir
}

func New(base string) *Archive {
	return &Archive{base: base, ready: make(map[string]maildir.Dir)}
}

// Store writes raw as a new message of mailbox.
func (a *Archive) Store(mailbox string, raw []byte) error {
	dir, err := a.ensure(mailbox)
	if err != nil {
		return err
	}
	delivery, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return fmt.Errorf("archive %s: %w", mailbox, err)
	}
	if _, err := io.Copy(delivery, bytes.NewReader(raw)); err != nil {
		_ = delivery.Abort()
		return fmt.Errorf("archive %s: %w", mailbox, err)
	}
	if err := delivery.Close(); err != nil {
		return fmt.Errorf("archive %s: %w", mailbox, err)
	}
	return nil
}

func (a *Archive) ensure(mailbox string) (maildir.Dir, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dir, ok := a.ready[mailbox]; ok {
		return dir, nil
	}

	path := filepath.Join(a.base, dirName(mailbox))
	dir := maildir.Dir(path)

	if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return "", fmt.Errorf("create archive %s: %w", mailbox, err)
		}
		if err := dir.Init(); err != nil {
			return "", fmt.Errorf("init archive %s: %w", mailbox, err)
		}
	}
	a.ready[mailbox] = dir
	return dir, nil
}

// dirName maps a mailbox name to a single safe path element.
func dirName(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
