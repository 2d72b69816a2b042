// Package paramstore resolves upstream API keys from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when the parameter does not exist.
var ErrNotFound = errors.New("paramstore: parameter not found")

// *ssm.Client satisfies ssmAPI.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	decrypt := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &decrypt,
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q has no value", name)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

// APIKeys holds the upstream credentials. Empty fields disable that upstream.
type APIKeys struct {
	OpenRouter string
	Gemini     string
	Anthropic  string
}

// LoadAPIKeys reads <prefix>/openrouter_api_key, <prefix>/gemini_api_key and
// <prefix>/anthropic_api_key. Only the OpenRouter key is required.
func LoadAPIKeys(ctx context.Context, g Getter, prefix string) (APIKeys, error) {
	var keys APIKeys
	targets := []struct {
		name     string
		dst      *string
		required bool
	}{
		{"openrouter_api_key", &keys.OpenRouter, true},
		{"gemini_api_key", &keys.Gemini, false},
		{"anthropic_api_key", &keys.Anthropic, false},
	}
	for _, t := range targets {
		v, err := g.GetParameter(ctx, path.Join(prefix, t.name))
		if errors.Is(err, ErrNotFound) && !t.required {
			continue
		}
		if err != nil {
			return APIKeys{}, err
		}
		*t.dst = v
	}
	return keys, nil
}
