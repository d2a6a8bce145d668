package keycloak

import "context"

const (
	tempUserPrefix = "temp_"

	// tempUserPassword is deliberately fixed and not secret: the control is
	// that the user exists for one run and is deleted unconditionally, not
	// that its password is hard to guess.
	tempUserPassword = "secd-temporary"
)

// CreateTempUser mints the short-lived user a run acts as, named after the
// external identity that pushed. Callers must pair it with DeleteUser in a
// deferred cleanup.
func (c *Client) CreateTempUser(ctx context.Context, externalUserID string) (string, error) {
	return c.CreateUser(ctx, tempUserPrefix+externalUserID, tempUserPassword)
}
