package guildgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	robloxUsernameLookupPath = "/v1/usernames/users"
	robloxUserPath           = "/v1/users/%d"
	registryUserPath         = "/api/user/%s"
)

// RobloxIdentity is a resolved Roblox account.
type RobloxIdentity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (r RobloxIdentity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", r.ID),
		slog.String("username", r.Username),
	)
}

// RobloxResolver is the identity-resolution contract consumed by
// [Linker]. All three operations are pure queries with no side effects
// and no retries: any transport or lookup failure degrades to a
// negative/empty result, surfaced to the user as "not found" rather than
// as a system error. [Roblox] implements this against the live APIs.
type RobloxResolver interface {
	// ResolveByName looks up a Roblox account by username. Returns an
	// error wrapping ErrNotFound on a miss or any transport failure.
	ResolveByName(ctx context.Context, name string) (RobloxIdentity, error)

	// ProfileDescription fetches the public profile description for the
	// given account. Returns an empty string on any failure.
	ProfileDescription(ctx context.Context, robloxID int64) string

	// PreLinked checks a third-party verification registry for an
	// existing, publicly declared link for the given Discord user.
	PreLinked(ctx context.Context, discordID string) (RobloxIdentity, bool)
}

// Roblox implements RobloxResolver against the Roblox users API and the
// pre-linked verification registry.
type Roblox struct {
	httpClient     *http.Client
	baseURL        string
	registryURL    string
	apiKey         string
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newRoblox(
	config *RobloxConfig,
	handler slog.Handler,
	httpClient *http.Client,
) *Roblox {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Roblox{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		registryURL: strings.TrimSuffix(config.RegistryBaseURL, "/"),
		apiKey:      config.APIKey,
		logger: slog.New(handler).With(
			loggerNameKey,
			"roblox",
		),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			config.MaxRequestsPerSecond,
		),
	}
}

type robloxUsernameLookupRequest struct {
	Usernames          []string `json:"usernames"`
	ExcludeBannedUsers bool     `json:"excludeBannedUsers"`
}

type robloxUsernameLookupResponse struct {
	Data []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

type robloxUserResponse struct {
	Description string `json:"description"`
}

type registryUserResponse struct {
	Status         string `json:"status"`
	RobloxID       int64  `json:"robloxId"`
	RobloxUsername string `json:"robloxUsername"`
}

func (r *Roblox) ResolveByName(
	ctx context.Context,
	name string,
) (RobloxIdentity, error) {
	logger := r.logger.With("roblox_username", name)

	payload, _ := json.Marshal(
		robloxUsernameLookupRequest{
			Usernames:          []string{name},
			ExcludeBannedUsers: true,
		},
	)

	var lookup robloxUsernameLookupResponse
	err := r.doJSON(
		ctx,
		http.MethodPost,
		r.baseURL+robloxUsernameLookupPath,
		bytes.NewReader(payload),
		&lookup,
	)
	if err != nil {
		logger.WarnContext(ctx, "username lookup failed", tint.Err(err))
		return RobloxIdentity{}, fmt.Errorf("roblox user %q: %w", name, ErrNotFound)
	}
	if len(lookup.Data) == 0 {
		logger.InfoContext(ctx, "no roblox account for username")
		return RobloxIdentity{}, fmt.Errorf("roblox user %q: %w", name, ErrNotFound)
	}

	identity := RobloxIdentity{
		ID:       lookup.Data[0].ID,
		Username: lookup.Data[0].Name,
	}
	logger.InfoContext(ctx, "resolved roblox account", "identity", identity)
	return identity, nil
}

func (r *Roblox) ProfileDescription(
	ctx context.Context,
	robloxID int64,
) string {
	var user robloxUserResponse
	err := r.doJSON(
		ctx,
		http.MethodGet,
		r.baseURL+fmt.Sprintf(robloxUserPath, robloxID),
		nil,
		&user,
	)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"profile fetch failed",
			tint.Err(err),
			"roblox_id", robloxID,
		)
		return ""
	}
	return user.Description
}

func (r *Roblox) PreLinked(
	ctx context.Context,
	discordID string,
) (RobloxIdentity, bool) {
	if r.registryURL == "" {
		return RobloxIdentity{}, false
	}
	logger := r.logger.With(columnMemberDiscordID, discordID)

	var reg registryUserResponse
	err := r.doJSON(
		ctx,
		http.MethodGet,
		r.registryURL+fmt.Sprintf(registryUserPath, discordID),
		nil,
		&reg,
	)
	if err != nil {
		logger.InfoContext(ctx, "no pre-linked identity", tint.Err(err))
		return RobloxIdentity{}, false
	}
	if reg.RobloxID == 0 {
		logger.InfoContext(ctx, "registry returned no roblox id", "status", reg.Status)
		return RobloxIdentity{}, false
	}

	identity := RobloxIdentity{
		ID:       reg.RobloxID,
		Username: reg.RobloxUsername,
	}
	logger.InfoContext(ctx, "found pre-linked identity", "identity", identity)
	return identity, true
}

// doJSON performs a single HTTP request and decodes the JSON response
// body into out. No retries: the caller degrades errors to a domain
// negative.
func (r *Roblox) doJSON(
	ctx context.Context,
	method string,
	url string,
	body io.Reader,
	out any,
) error {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
