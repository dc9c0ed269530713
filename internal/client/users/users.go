// Package users is the client of the user directory service.
package users

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/cloudforge-commerce/internal/apperr"
	"github.com/xenking/cloudforge-commerce/internal/client"
	"github.com/xenking/cloudforge-commerce/internal/domain/notification"
)

// ErrUnknownUser is returned for users the directory does not know.
var ErrUnknownUser = apperr.New(apperr.KindNotFound, "user not found")

var _ notification.Directory = (*Client)(nil)

// Client resolves user ids to contacts.
type Client struct {
	http *client.Client
}

// New returns a Client backed by c.
func New(c *client.Client) *Client {
	return &Client{http: c}
}

// Lookup fetches a user's email and display name.
func (c *Client) Lookup(ctx context.Context, userID string) (*notification.Contact, error) {
	var u struct {
		email, first, last string
	}
	err := c.http.Get(ctx, "/api/users/"+url.PathEscape(userID), func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "email":
				u.email, err = optStr(d)
			case "firstName":
				u.first, err = optStr(d)
			case "lastName":
				u.last, err = optStr(d)
			default:
				err = d.Skip()
			}
			return errors.Wrap(err, key)
		})
	})
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return nil, ErrUnknownUser
	case err != nil:
		return nil, errors.Wrapf(err, "lookup user %s", userID)
	case u.email == "":
		return nil, ErrUnknownUser
	}

	name := strings.TrimSpace(u.first + " " + u.last)
	if name == "" {
		name = "Customer"
	}
	return &notification.Contact{Email: u.email, Name: name}, nil
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}
