// Package api is the typed client for the image service's REST contract.
// It shapes payloads and decodes responses; cross-cutting request policy
// (bearer attach, global 401 handling) lives in the transport underneath.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"pixelmuse/client/internal/domain"
	"pixelmuse/client/internal/transport"
)

type Client struct {
	tr  *transport.Client
	log zerolog.Logger
}

func New(tr *transport.Client, log zerolog.Logger) *Client {
	return &Client{tr: tr, log: log.With().Str("component", "api").Logger()}
}

// flexID tolerates servers that emit numeric identifiers; the client always
// handles IDs as strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", b)
	}
	*f = flexID(n.String())
	return nil
}

type identityDTO struct {
	ID       flexID `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (d identityDTO) toDomain() domain.Identity {
	return domain.Identity{
		ID:       string(d.ID),
		Username: d.Username,
		Email:    d.Email,
	}
}

type imageDTO struct {
	ID          flexID `json:"id"`
	URL         string `json:"url"`
	Prompt      string `json:"prompt"`
	GeneratedAt string `json:"generated_at"`
}

func (d imageDTO) toDomain() domain.Image {
	return domain.Image{
		ID:          string(d.ID),
		URL:         d.URL,
		Prompt:      d.Prompt,
		GeneratedAt: parseTimestamp(d.GeneratedAt),
	}
}

// parseTimestamp accepts the ISO-8601 variants the service emits, with or
// without zone and fractional seconds. Unparseable input yields the zero
// time rather than failing the whole listing.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

type authResponse struct {
	Success bool        `json:"success"`
	Token   string      `json:"token"`
	User    identityDTO `json:"user"`
}

// VerifyToken validates the currently attached credential and returns the
// identity the server derived from it.
func (c *Client) VerifyToken(ctx context.Context) (domain.Identity, error) {
	var resp struct {
		Success bool        `json:"success"`
		User    identityDTO `json:"user"`
	}
	if _, err := c.tr.Get(ctx, "/auth/verify-token", &resp); err != nil {
		return domain.Identity{}, err
	}
	if !resp.Success {
		return domain.Identity{}, fmt.Errorf("token verification not confirmed by server")
	}
	return resp.User.toDomain(), nil
}

// Login exchanges email and password for a credential and identity.
func (c *Client) Login(ctx context.Context, email, password string) (domain.Identity, string, error) {
	var resp authResponse
	_, err := c.tr.Post(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return domain.Identity{}, "", err
	}
	if !resp.Success || resp.Token == "" {
		return domain.Identity{}, "", fmt.Errorf("login not confirmed by server")
	}
	return resp.User.toDomain(), resp.Token, nil
}

// GoogleLogin exchanges a federated access token for a credential and
// identity, creating the account on first sign-in.
func (c *Client) GoogleLogin(ctx context.Context, accessToken string) (domain.Identity, string, error) {
	var resp authResponse
	_, err := c.tr.Post(ctx, "/auth/google-login", map[string]string{
		"token": accessToken,
	}, &resp)
	if err != nil {
		return domain.Identity{}, "", err
	}
	if !resp.Success || resp.Token == "" {
		return domain.Identity{}, "", fmt.Errorf("google login not confirmed by server")
	}
	return resp.User.toDomain(), resp.Token, nil
}

// Register creates an account. Success is signaled by the creation status;
// no credential is issued, the caller signs in afterwards.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	status, err := c.tr.Post(ctx, "/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("unexpected registration status %d", status)
	}
	return nil
}

// ListImages returns the authenticated identity's gallery, most recent
// first. A response without an images list is a failure: the body is not a
// usable payload.
func (c *Client) ListImages(ctx context.Context) ([]domain.Image, error) {
	var resp struct {
		Images *[]imageDTO `json:"images"`
	}
	if _, err := c.tr.Get(ctx, "/image/user-images", &resp); err != nil {
		return nil, err
	}
	if resp.Images == nil {
		return nil, fmt.Errorf("listing response carries no images list")
	}

	images := make([]domain.Image, 0, len(*resp.Images))
	for _, dto := range *resp.Images {
		images = append(images, dto.toDomain())
	}
	c.log.Debug().Int("count", len(images)).Msg("gallery fetched")
	return images, nil
}

// Generate submits one generation request. Exactly the field group selected
// by the request's mode goes on the wire, never both.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error) {
	if err := req.Validate(); err != nil {
		return domain.Image{}, err
	}

	var payload map[string]string
	switch req.Mode {
	case domain.ModeCustom:
		payload = map[string]string{"customPrompt": req.CustomPrompt}
	case domain.ModeGuided:
		payload = map[string]string{
			"style":    req.Style,
			"subject":  req.Subject,
			"mood":     req.Mood,
			"lighting": req.Lighting,
		}
	}

	var resp struct {
		Success bool     `json:"success"`
		Image   imageDTO `json:"image"`
	}
	if _, err := c.tr.Post(ctx, "/image/generate", payload, &resp); err != nil {
		return domain.Image{}, err
	}
	if !resp.Success {
		return domain.Image{}, fmt.Errorf("generation not confirmed by server")
	}
	return resp.Image.toDomain(), nil
}

// DeleteImage removes one owned image. Only an explicit 200 counts as
// success; deletion is irreversible so ambiguity is treated as failure.
func (c *Client) DeleteImage(ctx context.Context, id string) error {
	status, err := c.tr.Delete(ctx, "/image/api/images/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected deletion status %d", status)
	}
	return nil
}
