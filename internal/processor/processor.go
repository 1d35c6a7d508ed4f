// Package processor turns an accepted alarm message into either a published
// operation or a file on disk, depending on the configured mode.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/mimepart"
	"github.com/tracyhatemice/mailagent/internal/models"
	"github.com/tracyhatemice/mailagent/internal/pgp"
)

var (
	ErrPartNotFound = mimepart.ErrPartNotFound
	ErrEmptyBody    = mimepart.ErrEmptyBody
)

// Mode selects the processor used for every message of a deployment.
type Mode string

const (
	ModePDF                  Mode = "pdf"
	ModeText                 Mode = "text"
	ModeConnectPlain         Mode = "connect_plain"
	ModeConnectPlainHTML     Mode = "connect_plain_html"
	ModeConnectEncrypted     Mode = "connect_encrypted"
	ModeConnectEncryptedHTML Mode = "connect_encrypted_html"
	ModeConnectPGPAttachment Mode = "connect_pgp_attachment"
)

var modes = []Mode{
	ModePDF, ModeText,
	ModeConnectPlain, ModeConnectPlainHTML,
	ModeConnectEncrypted, ModeConnectEncryptedHTML, ModeConnectPGPAttachment,
}

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown process mode %q", s)
}

// Decrypts reports whether the mode needs a Decrypter.
func (m Mode) Decrypts() bool {
	switch m {
	case ModeConnectPlain, ModeConnectPlainHTML:
		return false
	}
	return true
}

// WritesFiles reports whether the mode writes to the output directory.
func (m Mode) WritesFiles() bool {
	return m == ModePDF || m == ModeText
}

// Processor handles one accepted message.
type Processor interface {
	Process(ctx context.Context, msg mailbox.Message, site models.Site) error
}

// Evaluator extracts an operation from decoded body text.
type Evaluator interface {
	Evaluate(text string) (models.Operation, error)
}

// Publisher delivers an operation for a site.
type Publisher interface {
	Publish(ctx context.Context, op models.Operation, site models.Site) error
}

// Deps are the collaborators a processor may need. Which ones are required
// depends on the mode.
type Deps struct {
	Decrypter pgp.Decrypter
	Evaluator Evaluator
	Publisher Publisher
	OutputDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

// New builds the processor for mode.
func New(mode Mode, d Deps) (Processor, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if mode.Decrypts() && d.Decrypter == nil {
		return nil, fmt.Errorf("mode %s requires a decrypter", mode)
	}
	if mode.WritesFiles() {
		if d.OutputDir == "" {
			return nil, fmt.Errorf("mode %s requires an output path", mode)
		}
	} else if d.Evaluator == nil || d.Publisher == nil {
		return nil, fmt.Errorf("mode %s requires an evaluator and a publisher", mode)
	}

	logger := d.Logger.With("mode", string(mode))
	plain := func(mediaType string) *plainProcessor {
		return &plainProcessor{mediaType: mediaType, eval: d.Evaluator, pub: d.Publisher, logger: logger}
	}

	switch mode {
	case ModePDF:
		return &documentProcessor{dec: d.Decrypter, out: newFileWriter(d.OutputDir, d.Now), logger: logger}, nil
	case ModeText:
		return &textFileProcessor{dec: d.Decrypter, out: newFileWriter(d.OutputDir, d.Now), logger: logger}, nil
	case ModeConnectPlain:
		return plain("text/plain"), nil
	case ModeConnectPlainHTML:
		return plain("text/html"), nil
	case ModeConnectEncrypted:
		return &withFallback{
			primary:  &encryptedProcessor{mediaType: "text/plain", dec: d.Decrypter, eval: d.Evaluator, pub: d.Publisher, logger: logger},
			fallback: plain("text/plain"),
			logger:   logger,
		}, nil
	case ModeConnectEncryptedHTML:
		return &withFallback{
			primary:  &encryptedProcessor{mediaType: "text/html", dec: d.Decrypter, eval: d.Evaluator, pub: d.Publisher, logger: logger},
			fallback: plain("text/html"),
			logger:   logger,
		}, nil
	case ModeConnectPGPAttachment:
		return &withFallback{
			primary:  &attachmentProcessor{dec: d.Decrypter, eval: d.Evaluator, pub: d.Publisher, logger: logger},
			fallback: plain("text/plain"),
			logger:   logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown process mode %q", mode)
}

// withFallback runs fallback on the same message when primary fails for any
// reason. Only the fallback error is returned.
type withFallback struct {
	primary  Processor
	fallback Processor
	logger   *slog.Logger
}

func (w *withFallback) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	err := w.primary.Process(ctx, msg, site)
	if err == nil {
		return nil
	}
	w.logger.Error("encrypted processing failed", "msg_id", msg.ID, "error", err)
	w.logger.Info("trying plain body as fallback", "msg_id", msg.ID)
	if err := w.fallback.Process(ctx, msg, site); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	return nil
}

// decryptPart finds the single part of mediaType in raw, strips base64
// transfer encoding and decrypts it.
func decryptPart(ctx context.Context, dec pgp.Decrypter, raw []byte, mediaType string) ([]byte, error) {
	part, err := mimepart.Single(raw, mediaType)
	if err != nil {
		return nil, fmt.Errorf("encrypted part: %w", err)
	}
	payload, err := part.Payload()
	if err != nil {
		return nil, fmt.Errorf("encrypted part: %w", err)
	}
	plain, err := dec.Decrypt(ctx, payload)
	if err != nil {
		return nil, err
	}
	return plain, nil
}
