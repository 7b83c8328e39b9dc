// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxIdentityLen = 128

var ErrIdentityEmpty = errors.New("identity empty")

// Identity is the opaque stable participant id issued by the session
// collaborator. The core only references it.
type Identity string

func (id Identity) String() string { return string(id) }

func (id Identity) Validate() error {
	if id == "" {
		return ErrIdentityEmpty
	}
	if len(id) > MaxIdentityLen {
		return errors.New("identity too long")
	}
	return nil
}
