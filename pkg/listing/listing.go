// Package listing fetches the pokemon listing the web application renders.
//
// Failures never reach the caller: any error is logged and turned into an
// empty listing, so callers can always range over Results.
package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://pokeapi.co/api/v2/pokemon"
	DefaultLimit   = 151
)

type Entry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Listing struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []Entry `json:"results"`
}

// Empty is the listing returned on failure.
func Empty() Listing {
	return Listing{Results: []Entry{}}
}

type Client struct {
	BaseURL    string
	Limit      int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewClient creates a client for the default endpoint and limit.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		BaseURL:    DefaultBaseURL,
		Limit:      DefaultLimit,
		HTTPClient: http.DefaultClient,
		Logger:     logger,
	}
}

// GetAll fetches the listing.
func (c *Client) GetAll(ctx context.Context) Listing {
	l, err := c.get(ctx)
	if err != nil {
		c.Logger.Error().Err(err).Msg("Error fetching listing")
		return Empty()
	}
	if l.Results == nil {
		l.Results = []Entry{}
	}
	return l
}

func (c *Client) get(ctx context.Context) (Listing, error) {
	var l Listing
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return l, err
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(c.Limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return l, err
	}
	req.Header.Set("Accept", "application/json")
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return l, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return l, fmt.Errorf("unexpected status %s", res.Status)
	}
	if err := json.NewDecoder(res.Body).Decode(&l); err != nil {
		return l, fmt.Errorf("decode listing: %w", err)
	}
	return l, nil
}
