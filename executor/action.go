package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-tenant-gateway/tenant"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultActionBaseURL is the hosted action API.
const DefaultActionBaseURL = "https://api.pipedream.com"

// ActionConfig configures an ActionRunner.
type ActionConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string
}

// ActionRunner runs prebuilt third-party actions with the user's connected
// account. It authenticates to the action API with OAuth client credentials.
type ActionRunner struct {
	cfg    ActionConfig
	client *http.Client
}

// NewActionRunner builds a runner. The token source refreshes itself.
func NewActionRunner(ctx context.Context, cfg ActionConfig, opts ...HTTPOption) (*ActionRunner, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.ProjectID == "" {
		return nil, errors.New("action runner requires client id, client secret and project id")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultActionBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth/token",
	}
	// Token fetches and action calls share the configured base client.
	base := newClient(opts)
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = base.Timeout

	return &ActionRunner{cfg: cfg, client: client}, nil
}

type runActionRequest struct {
	ID              string                     `json:"id"`
	ExternalUserID  string                     `json:"external_user_id"`
	ConfiguredProps map[string]json.RawMessage `json:"configured_props"`
}

// Execute implements Executor. The tool's schema name is the action key and
// the tool owner is the external user the account belongs to.
func (r *ActionRunner) Execute(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error) {
	if tool.Backend.App == "" || tool.Backend.AuthProvisionID == "" {
		return nil, errors.New("tool has no connected account configured")
	}

	props := map[string]json.RawMessage{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &props); err != nil {
			return nil, errors.New("tool arguments must be a JSON object")
		}
	}
	account, err := json.Marshal(map[string]string{"authProvisionId": tool.Backend.AuthProvisionID})
	if err != nil {
		return nil, err
	}
	props[tool.Backend.App] = account

	externalUser := tool.OwnerID
	if externalUser == "" {
		externalUser = identity.UserID
	}

	h := http.Header{}
	h.Set("x-pd-environment", r.cfg.Environment)
	url := fmt.Sprintf("%s/v1/connect/%s/actions/run", r.cfg.BaseURL, r.cfg.ProjectID)
	return postJSON(ctx, r.client, url, h, runActionRequest{
		ID:              tool.Name,
		ExternalUserID:  externalUser,
		ConfiguredProps: props,
	})
}
