// Package directory resolves user ids to the profile shown on an incoming
// call.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrNotFound = errors.New("directory: user not found")

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// Static is an in-memory directory keyed by user id.
type Static map[string]User

func (s Static) Lookup(_ context.Context, userID string) (User, error) {
	u, ok := s[userID]
	if !ok {
		return User{}, fmt.Errorf("%w: %q", ErrNotFound, userID)
	}
	return u, nil
}

// Fallback returns the user with Username set to the id when the directory
// does not know them. Callers always have something to display.
func Fallback(ctx context.Context, d Directory, userID string) User {
	if d != nil {
		if u, err := d.Lookup(ctx, userID); err == nil {
			if u.Username == "" {
				u.Username = userID
			}
			return u
		}
	}
	return User{ID: userID, Username: userID}
}

// LoadFile reads a JSON array of users.
func LoadFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (Static, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var users []User
	if err := dec.Decode(&users); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode directory: unexpected trailing data")
	}

	out := make(Static, len(users))
	for i, u := range users {
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			return nil, fmt.Errorf("directory entry %d: id is required", i)
		}
		if u.Username == "" {
			return nil, fmt.Errorf("directory entry %d (%s): username is required", i, u.ID)
		}
		if _, dup := out[u.ID]; dup {
			return nil, fmt.Errorf("directory entry %d: duplicate id %q", i, u.ID)
		}
		out[u.ID] = u
	}
	return out, nil
}
