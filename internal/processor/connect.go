package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/mimepart"
	"github.com/tracyhatemice/mailagent/internal/models"
	"github.com/tracyhatemice/mailagent/internal/pgp"
)

// plainProcessor extracts from the unencrypted body.
type plainProcessor struct {
	mediaType string
	eval      Evaluator
	pub       Publisher
	logger    *slog.Logger
}

func (p *plainProcessor) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	text, err := mimepart.TextBody(msg.Raw, p.mediaType)
	if err != nil {
		return fmt.Errorf("body: %w", err)
	}
	return evaluateAndPublish(ctx, p.eval, p.pub, p.logger, msg, text, site)
}

// encryptedProcessor decrypts the octet-stream part and extracts from the
// nested text part.
type encryptedProcessor struct {
	mediaType string
	dec       pgp.Decrypter
	eval      Evaluator
	pub       Publisher
	logger    *slog.Logger
}

func (p *encryptedProcessor) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	plain, err := decryptPart(ctx, p.dec, msg.Raw, "application/octet-stream")
	if err != nil {
		return err
	}
	p.logger.Debug("decrypted message", "msg_id", msg.ID, "bytes", len(plain))

	part, err := mimepart.Single(plain, p.mediaType)
	if err != nil {
		return fmt.Errorf("decrypted message: %w", err)
	}
	text, err := part.Text()
	if err != nil {
		return fmt.Errorf("decode %s: %w", p.mediaType, err)
	}
	return evaluateAndPublish(ctx, p.eval, p.pub, p.logger, msg, text, site)
}

// attachmentProcessor decrypts an application/pgp-encrypted part whose
// plaintext is the alarm text itself.
type attachmentProcessor struct {
	dec    pgp.Decrypter
	eval   Evaluator
	pub    Publisher
	logger *slog.Logger
}

func (p *attachmentProcessor) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	plain, err := decryptPart(ctx, p.dec, msg.Raw, "application/pgp-encrypted")
	if err != nil {
		return err
	}
	p.logger.Debug("decrypted attachment", "msg_id", msg.ID, "bytes", len(plain))
	return evaluateAndPublish(ctx, p.eval, p.pub, p.logger, msg, string(plain), site)
}

func evaluateAndPublish(ctx context.Context, eval Evaluator, pub Publisher, logger *slog.Logger, msg mailbox.Message, text string, site models.Site) error {
	op, err := eval.Evaluate(text)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	logger.Debug("evaluated operation", "msg_id", msg.ID, "keyword", op.Keyword, "number", op.Number)
	if err := pub.Publish(ctx, op, site); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
