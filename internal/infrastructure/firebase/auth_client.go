package firebase

import (
	"context"

	"firebase.google.com/go/v4/auth"
)

// FirebaseAuthClient verifies the identity tokens clients present when
// connecting. Tokens are issued and refreshed by the identity provider,
// not by this service.
type FirebaseAuthClient struct {
	client *auth.Client
}

func NewFirebaseAuthClient(client *auth.Client) *FirebaseAuthClient {
	return &FirebaseAuthClient{
		client: client,
	}
}

func (f *FirebaseAuthClient) VerifyToken(ctx context.Context, token string) (string, error) {
	result, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}

	return result.UID, nil
}

// GetUser checks that the uid still resolves to a live account. Used to
// detect revoked users on long-lived connections.
func (f *FirebaseAuthClient) GetUser(ctx context.Context, uid string) error {
	_, err := f.client.GetUser(ctx, uid)
	return err
}
