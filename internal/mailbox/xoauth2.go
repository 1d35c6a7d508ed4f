package mailbox

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 mechanism used by Microsoft and
// Google IMAP servers. go-sasl only ships the standardised OAUTHBEARER.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a SASL client sending username and token as an
// XOAUTH2 initial response.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next answers a server error challenge with an empty response so the server
// can finish the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) > 0 {
		return []byte{}, fmt.Errorf("xoauth2: server rejected token: %s", challenge)
	}
	return []byte{}, nil
}
