package auth

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// XOAuth2String renders the XOAUTH2 initial client response before
// base64 encoding: "user=<email>\x01auth=Bearer <token>\x01\x01".
func XOAuth2String(email, accessToken string) string {
	return fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", email, accessToken)
}

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail
// and Outlook. The whole exchange is the initial response; a server
// challenge only ever carries an error blob, answered with an empty
// response so the server's final reply can be read.
type xoauth2Client struct {
	email string
	token string
}

// NewXOAuth2Client returns a SASL client for the XOAUTH2 mechanism.
func NewXOAuth2Client(email, accessToken string) sasl.Client {
	return &xoauth2Client{email: email, token: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte(XOAuth2String(c.email, c.token)), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
