package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/mimepart"
	"github.com/tracyhatemice/mailagent/internal/models"
	"github.com/tracyhatemice/mailagent/internal/pgp"
)

const timestampLayout = "20060102150405"

// documentProcessor writes the decrypted alarm printout as a PDF file.
type documentProcessor struct {
	dec    pgp.Decrypter
	out    *fileWriter
	logger *slog.Logger
}

func (p *documentProcessor) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	plain, err := decryptPart(ctx, p.dec, msg.Raw, "application/octet-stream")
	if err != nil {
		return err
	}
	part, err := mimepart.Single(plain, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("decrypted message: %w", err)
	}
	// The printout is always base64 inside the encrypted envelope.
	pdf, err := mimepart.DecodeBase64(part.Body)
	if err != nil {
		return fmt.Errorf("document: %w", err)
	}
	path, err := p.out.write("Alarmdruck", ".pdf", pdf)
	if err != nil {
		return err
	}
	p.logger.Info("wrote alarm document", "msg_id", msg.ID, "path", path, "bytes", len(pdf))
	return nil
}

// textFileProcessor writes the decrypted alarm text. The senders encode it
// as quoted-printable windows-1252 regardless of the declared headers.
type textFileProcessor struct {
	dec    pgp.Decrypter
	out    *fileWriter
	logger *slog.Logger
}

func (p *textFileProcessor) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	plain, err := decryptPart(ctx, p.dec, msg.Raw, "application/octet-stream")
	if err != nil {
		return err
	}
	part, err := mimepart.Single(plain, "text/plain")
	if err != nil {
		return fmt.Errorf("decrypted message: %w", err)
	}
	text, err := mimepart.DecodeQuotedPrintable(part.Body, charmap.Windows1252)
	if err != nil {
		return fmt.Errorf("decode text: %w", err)
	}
	path, err := p.out.write("Alarm", ".txt", []byte(text))
	if err != nil {
		return err
	}
	p.logger.Info("wrote alarm text", "msg_id", msg.ID, "path", path)
	p.logger.Debug("alarm text", "text", text)
	return nil
}

type fileWriter struct {
	dir string
	now func() time.Time
}

func newFileWriter(dir string, now func() time.Time) *fileWriter {
	return &fileWriter{dir: dir, now: now}
}

// write creates prefix_<timestamp>ext exclusively. When two alarms land in
// the same second the second file gets a ULID suffix instead of replacing
// the first.
func (w *fileWriter) write(prefix, ext string, data []byte) (string, error) {
	base := prefix + "_" + w.now().Format(timestampLayout)
	path := filepath.Join(w.dir, base+ext)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		path = filepath.Join(w.dir, base+"_"+ulid.Make().String()+ext)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}
