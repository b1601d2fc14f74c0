package tibber

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// DefaultURL is the Tibber GraphQL endpoint
const DefaultURL = "https://api.tibber.com/v1-beta/gql"

var (
	// ErrUnauthorized is returned when the API rejects the access token
	ErrUnauthorized = errors.New("tibber: unauthorized")
	// ErrHomeNotFound is returned when the account has no (matching) home
	ErrHomeNotFound = errors.New("tibber: home not found")
)

// Config contains the Tibber API client settings
type Config struct {
	URL     string
	Token   string
	HomeID  string
	Timeout time.Duration
}

// Client talks to the Tibber GraphQL API
type Client struct {
	httpClient *http.Client
	url        string
	token      string
	homeID     string
	logger     *zap.Logger
}

// New creates a new Tibber API client
func New(cfg Config, logger *zap.Logger) *Client {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "tibber.graphql"
				}),
			),
		},
		url:    url,
		token:  cfg.Token,
		homeID: cfg.HomeID,
		logger: logger,
	}
}

// Connect authenticates and resolves the configured home, or the first home
// of the account when no home id is configured.
func (c *Client) Connect(ctx context.Context) (*Home, error) {
	var data homesData
	if err := c.do(ctx, homesQuery, nil, &data); err != nil {
		return nil, errors.Wrap(err, "could not list homes")
	}

	homes := data.Viewer.Homes
	if len(homes) == 0 {
		return nil, ErrHomeNotFound
	}

	node := homes[0]
	if c.homeID != "" {
		found := false
		for _, h := range homes {
			if h.ID == c.homeID {
				node, found = h, true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(ErrHomeNotFound, "no home with id %s among %d homes", c.homeID, len(homes))
		}
	}

	loc := time.UTC
	if node.TimeZone != "" {
		l, err := time.LoadLocation(node.TimeZone)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load time zone %q of home %s", node.TimeZone, node.ID)
		}
		loc = l
	}

	c.logger.Debug("Connected to Tibber",
		zap.String("homeId", node.ID),
		zap.String("nickname", node.AppNickname),
		zap.String("timeZone", loc.String()))

	return &Home{client: c, id: node.ID, nickname: node.AppNickname, loc: loc}, nil
}

// do executes one GraphQL call and decodes its data into out
func (c *Client) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return errors.Wrap(err, "could not encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "could not read response body")
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode)
	}

	var gr graphqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("unexpected status code %d: %s", resp.StatusCode, sample(raw))
		}
		return errors.Wrapf(err, "could not decode response: %s", sample(raw))
	}

	if len(gr.Errors) > 0 {
		gerr := graphqlErrors(gr.Errors)
		if gerr.unauthenticated() {
			return errors.Wrap(ErrUnauthorized, gerr.Error())
		}
		return gerr
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code %d", resp.StatusCode)
	}

	if err := json.Unmarshal(gr.Data, out); err != nil {
		return errors.Wrap(err, "could not decode data")
	}
	return nil
}

func sample(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
