package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretspb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretSource resolves API keys used by business handlers.
type SecretSource interface {
	Secret(ctx context.Context, name string) (string, error)
}

// EnvSecretSource reads secrets from the process environment. Each name is
// tried as given and upper-cased, so weatherApiKey also matches WEATHERAPIKEY.
type EnvSecretSource struct {
	Aliases map[string][]string
}

func (s EnvSecretSource) Secret(_ context.Context, name string) (string, error) {
	keys := append([]string{name, strings.ToUpper(name)}, s.Aliases[name]...)
	if v := GetEnvFirst(keys...); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretspb.AccessSecretVersionRequest) (*secretspb.AccessSecretVersionResponse, error)
}

type gcpSecretClient struct {
	client *secretmanager.Client
}

func (g gcpSecretClient) AccessSecretVersion(ctx context.Context, req *secretspb.AccessSecretVersionRequest) (*secretspb.AccessSecretVersionResponse, error) {
	return g.client.AccessSecretVersion(ctx, req)
}

// GCPSecretSource reads the latest version of a Secret Manager secret.
type GCPSecretSource struct {
	projectID string
	client    secretAccessor
	closer    func() error
}

func NewGCPSecretSource(ctx context.Context, projectID string) (*GCPSecretSource, error) {
	if projectID == "" {
		return nil, errors.New("GOOGLE_PROJECT_ID is required for the gcp secrets provider")
	}
	c, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %v", err)
	}
	return &GCPSecretSource{projectID: projectID, client: gcpSecretClient{c}, closer: c.Close}, nil
}

func (g *GCPSecretSource) Secret(ctx context.Context, name string) (string, error) {
	resp, err := g.client.AccessSecretVersion(ctx, &secretspb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, sanitizeSecretID(name)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSecretNotFound, name, err)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (g *GCPSecretSource) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

// Secret IDs allow letters, digits, dashes and underscores only.
func sanitizeSecretID(id string) string {
	return strings.ReplaceAll(id, ".", "-")
}

// ChainSecretSource returns the first source that knows name.
type ChainSecretSource []SecretSource

func (c ChainSecretSource) Secret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, src := range c {
		v, err := src.Secret(ctx, name)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return "", errors.Join(errs...)
}
