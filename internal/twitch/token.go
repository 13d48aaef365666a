// Package twitch knows the shape of the platform's token and manifest-index
// requests: how to build a template access-token request, how to read one,
// and how to derive a replacement manifest-index URL from a fresh token.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// GQLURL is the GraphQL endpoint serving playback access tokens.
	GQLURL = "https://gql.twitch.tv/gql"
	// ClientID is the web client's public client ID.
	ClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
	// AuthTokenCookie holds the viewer's OAuth token on the page domain.
	AuthTokenCookie = "auth-token"

	// TokenOperation marks a playback access token request body.
	TokenOperation = "PlaybackAccessToken"
	// TemplateOperation marks the template variant, which carries no
	// integrity binding.
	TemplateOperation = "PlaybackAccessToken_Template"
)

const templateQuery = `query PlaybackAccessToken_Template($login: String!, $isLive: Boolean!, $vodID: ID!, $isVod: Boolean!, $playerType: String!) {  streamPlaybackAccessToken(channelName: $login, params: {platform: "web", playerBackend: "mediaplayer", playerType: $playerType}) @include(if: $isLive) {    value    signature   authorization { isForbidden forbiddenReasonCode }   __typename  }  videoPlaybackAccessToken(id: $vodID, params: {platform: "web", playerBackend: "mediaplayer", playerType: $playerType}) @include(if: $isVod) {    value    signature   __typename  }}`

var (
	// ErrNoToken is returned when a token response carries no stream token.
	ErrNoToken = errors.New("twitch: no playback access token in response")
	// ErrNoChannel is returned when a request cannot be tied to a channel.
	ErrNoChannel = errors.New("twitch: no channel")
)

var vodIDRe = regexp.MustCompile(`^\d+$`)

// RandomID returns a random 32-character identifier, the shape used for
// Device-ID headers and play session IDs.
func RandomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsVOD reports whether a channel argument is a numeric VOD ID.
func IsVOD(channel string) bool {
	return vodIDRe.MatchString(channel)
}

type tokenVariables struct {
	IsLive     bool   `json:"isLive"`
	Login      string `json:"login"`
	IsVod      bool   `json:"isVod"`
	VodID      string `json:"vodID"`
	PlayerType string `json:"playerType"`
}

type tokenRequestBody struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query,omitempty"`
	Variables     tokenVariables `json:"variables"`
}

// TemplateTokenBody returns the JSON body of a template token request.
func TemplateTokenBody(channel string) ([]byte, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, ErrNoChannel
	}
	vod := IsVOD(channel)
	body := tokenRequestBody{
		OperationName: TemplateOperation,
		Query:         templateQuery,
		Variables: tokenVariables{
			IsLive:     !vod,
			IsVod:      vod,
			PlayerType: "site",
		},
	}
	if vod {
		body.Variables.VodID = channel
	} else {
		body.Variables.Login = channel
	}
	return json.Marshal(body)
}

// NewTemplateTokenRequest builds a POST to the GraphQL endpoint asking for a
// playback access token for channel. authToken is the viewer's auth-token
// cookie value; it is left out when empty or when anonymous is set.
func NewTemplateTokenRequest(ctx context.Context, channel, authToken string, anonymous bool) (*http.Request, error) {
	body, err := TemplateTokenBody(channel)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, GQLURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("twitch: create token request: %w", err)
	}
	auth := "undefined"
	if authToken != "" && !anonymous {
		auth = "OAuth " + authToken
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Client-ID", ClientID)
	req.Header.Set("Device-ID", RandomID())
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	return req, nil
}

// TokenRequestInfo is what the core needs to know about an intercepted token
// request body.
type TokenRequestInfo struct {
	Channel    string
	IsLive     bool
	Frontpage  bool
	IsTemplate bool
}

// ParseTokenRequest reads the variables of a token request body. A body
// that is not JSON yields a zero IsLive, which callers treat as not live.
func ParseTokenRequest(body []byte) TokenRequestInfo {
	info := TokenRequestInfo{
		IsTemplate: bytes.Contains(body, []byte(TemplateOperation)),
	}
	var parsed tokenRequestBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return info
	}
	info.Channel = strings.ToLower(parsed.Variables.Login)
	info.IsLive = parsed.Variables.IsLive
	info.Frontpage = parsed.Variables.PlayerType == "frontpage"
	return info
}

// Token is a playback access token.
type Token struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

type tokenResponse struct {
	Data struct {
		Stream *Token `json:"streamPlaybackAccessToken"`
	} `json:"data"`
}

// ParseTokenResponse extracts the stream token from a GraphQL response.
func ParseTokenResponse(body []byte) (Token, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, fmt.Errorf("twitch: decode token response: %w", err)
	}
	if resp.Data.Stream == nil || resp.Data.Stream.Value == "" {
		return Token{}, ErrNoToken
	}
	return *resp.Data.Stream, nil
}
