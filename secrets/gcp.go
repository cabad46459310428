package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// GCP stores secrets in Google Secret Manager using automatic replication.
type GCP struct {
	project string
	svc     *secretmanager.Service
}

// NewGCP connects to Secret Manager with application default credentials unless
// opts override them (tests pass option.WithEndpoint + option.WithoutAuthentication).
func NewGCP(ctx context.Context, project string, opts ...option.ClientOption) (*GCP, error) {
	if project == "" {
		return nil, errors.New("gcp secrets: project id required")
	}
	svc, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcp secrets: create service: %w", err)
	}
	return &GCP{project: project, svc: svc}, nil
}

func (g *GCP) EnsureSecret(ctx context.Context, name string) error {
	secret := &secretmanager.Secret{
		Replication: &secretmanager.Replication{Automatic: &secretmanager.Automatic{}},
		Labels:      map[string]string{"managed-by": "ttsbot-control"},
	}
	_, err := g.svc.Projects.Secrets.Create("projects/"+g.project, secret).SecretId(SecretID(name)).Context(ctx).Do()
	if err == nil {
		slog.Debug("secret created", slog.String("secret", SecretID(name)), slog.String("component", "secrets"))
		return nil
	}
	if errors.Is(mapGoogleErr(err), ErrAlreadyExists) {
		return nil
	}
	return mapGoogleErr(err)
}

func (g *GCP) AddVersion(ctx context.Context, name, value string) (string, error) {
	req := &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{Data: base64.StdEncoding.EncodeToString([]byte(value))},
	}
	v, err := g.svc.Projects.Secrets.AddVersion(ResourceName(g.project, name), req).Context(ctx).Do()
	if err != nil {
		return "", mapGoogleErr(err)
	}
	return v.Name, nil
}

func (g *GCP) AccessLatest(ctx context.Context, name string) (string, error) {
	path := NormalizeVersionPath(ResourceName(g.project, name))
	if v := versionOf(name); v != "latest" {
		path = ResourceName(g.project, name) + "/versions/" + v
	}
	resp, err := g.svc.Projects.Secrets.Versions.Access(path).Context(ctx).Do()
	if err != nil {
		return "", mapGoogleErr(err)
	}
	if resp.Payload == nil {
		return "", fmt.Errorf("%w: empty payload for %s", ErrNotFound, path)
	}
	b, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
	if err != nil {
		return "", fmt.Errorf("decode payload for %s: %w", path, err)
	}
	return string(b), nil
}

func mapGoogleErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, gerr.Message)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, gerr.Message)
		}
	}
	return err
}
