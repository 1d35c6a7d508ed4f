// Package mimepart locates and decodes the leaf parts of alarm messages.
//
// Encrypted alarms are picked apart without letting the MIME reader apply
// transfer decoding, because the quoted-printable rules used by the alarm
// senders differ from RFC 2045 in how stray "=" characters are handled.
package mimepart

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var (
	// ErrPartNotFound is returned when no leaf part has the wanted type.
	ErrPartNotFound = errors.New("mime part not found")
	// ErrAmbiguousPart is returned when more than one leaf part has the wanted type.
	ErrAmbiguousPart = errors.New("more than one matching mime part")
	// ErrEmptyBody is returned when a message body holds only whitespace.
	ErrEmptyBody = errors.New("message body is empty")
)

const maxDepth = 16

// Part is a leaf entity with its body still transfer-encoded.
type Part struct {
	MediaType string
	Charset   string
	Encoding  string
	Body      []byte
}

// Leaves returns every non-multipart entity of raw in document order.
func Leaves(raw []byte) ([]Part, error) {
	var parts []Part
	if err := walk(bytes.NewReader(raw), 0, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func walk(r io.Reader, depth int, parts *[]Part) error {
	if depth > maxDepth {
		return fmt.Errorf("mime nesting deeper than %d", maxDepth)
	}
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	return walkEntity(h, br, depth, parts)
}

func walkEntity(h textproto.Header, body io.Reader, depth int, parts *[]Part) error {
	mh := message.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := textproto.NewMultipartReader(body, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read multipart: %w", err)
			}
			if err := walkEntity(p.Header, p, depth+1, parts); err != nil {
				return err
			}
		}
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read part body: %w", err)
	}
	*parts = append(*parts, Part{
		MediaType: mediaType,
		Charset:   params["charset"],
		Encoding:  strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))),
		Body:      b,
	})
	return nil
}

// Single returns the only leaf part of raw with the given media type.
func Single(raw []byte, mediaType string) (Part, error) {
	parts, err := Leaves(raw)
	if err != nil {
		return Part{}, err
	}
	var found []Part
	for _, p := range parts {
		if strings.EqualFold(p.MediaType, mediaType) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return Part{}, fmt.Errorf("%s: %w", mediaType, ErrPartNotFound)
	case 1:
		return found[0], nil
	default:
		return Part{}, fmt.Errorf("%s (%d parts): %w", mediaType, len(found), ErrAmbiguousPart)
	}
}

// Payload returns the part body with base64 transfer encoding removed.
// Any other encoding is returned untouched.
func (p Part) Payload() ([]byte, error) {
	if p.Encoding != "base64" {
		return p.Body, nil
	}
	return DecodeBase64(p.Body)
}

// Text decodes the part into a string, applying the guessed charset.
// Quoted-printable bodies go through DecodeQuotedPrintable.
func (p Part) Text() (string, error) {
	enc := GuessEncoding(p.Charset)
	switch p.Encoding {
	case "quoted-printable":
		return DecodeQuotedPrintable(p.Body, enc)
	case "base64":
		b, err := DecodeBase64(p.Body)
		if err != nil {
			return "", err
		}
		return DecodeCharset(b, enc)
	default:
		return DecodeCharset(p.Body, enc)
	}
}

// DecodeBase64 decodes base64 content that may be wrapped across lines.
func DecodeBase64(b []byte) ([]byte, error) {
	clean := bytes.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, b)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(out, clean)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return out[:n], nil
}

// TextBody returns the first inline part of raw with the given media type,
// fully decoded to UTF-8 by the mail reader.
func TextBody(raw []byte, mediaType string) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", fmt.Errorf("read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		t, _, _ := h.ContentType()
		if t == "" {
			t = "text/plain"
		}
		if !strings.EqualFold(t, mediaType) {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("read %s body: %w", mediaType, err)
		}
		if strings.TrimSpace(string(b)) == "" {
			return "", ErrEmptyBody
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%s: %w", mediaType, ErrPartNotFound)
}
