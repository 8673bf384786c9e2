package collab

import "context"

// Identity is the display data resolved for a user id.
type Identity struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// Directory resolves opaque user ids. Implementations return ErrIdentityNotFound
// for unknown users.
type Directory interface {
	Resolve(ctx context.Context, userID string) (Identity, error)
}

// StaticDirectory is an in-process Directory, used for tests and single-node
// deployments seeded from configuration.
type StaticDirectory struct {
	users map[string]Identity
}

// NewStaticDirectory copies users into a new directory.
func NewStaticDirectory(users map[string]Identity) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]Identity, len(users))}
	for id, ident := range users {
		d.users[id] = ident
	}
	return d
}

func (d *StaticDirectory) Resolve(ctx context.Context, userID string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	ident, ok := d.users[userID]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return ident, nil
}
