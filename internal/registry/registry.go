// Package registry looks merchants up in the national tax registry by RUC.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"nexusbiz/internal/cache"
)

var (
	ErrInvalidRUC = errors.New("ruc must be 11 digits")
	ErrNotFound   = errors.New("ruc not found in registry")
)

// Taxpayer is what the registry knows about a RUC.
type Taxpayer struct {
	RUC       string `json:"ruc"`
	LegalName string `json:"legal_name"`
	Address   string `json:"address"`
	Status    string `json:"status"`
	Condition string `json:"condition,omitempty"`
}

// Active reports whether the registry lists the taxpayer as active. A missing
// status is treated as active.
func (t Taxpayer) Active() bool {
	return t.Status == "" || strings.EqualFold(t.Status, "ACTIVO") || strings.EqualFold(t.Status, "ACTIVE")
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Client queries the registry's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      cache.Cache
	cacheTTL   time.Duration
}

// New creates a registry client. c may be nil.
func New(cfg Config, c cache.Cache) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		cache:      c,
		cacheTTL:   ttl,
	}
}

// ValidRUC reports whether s looks like a RUC.
func ValidRUC(s string) bool {
	if len(s) != 11 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Lookup fetches the taxpayer registered under ruc.
func (c *Client) Lookup(ctx context.Context, ruc string) (Taxpayer, error) {
	ruc = strings.TrimSpace(ruc)
	if !ValidRUC(ruc) {
		return Taxpayer{}, ErrInvalidRUC
	}

	key := "registry:ruc:" + ruc
	if c.cache != nil {
		var t Taxpayer
		if err := cache.GetJSON(ctx, c.cache, key, &t); err == nil {
			return t, nil
		}
	}

	t, err := c.fetch(ctx, ruc)
	if err != nil {
		return Taxpayer{}, err
	}

	if c.cache != nil {
		// A failed cache write only costs a later lookup.
		_ = cache.SetJSON(ctx, c.cache, key, t, c.cacheTTL)
	}
	return t, nil
}

func (c *Client) fetch(ctx context.Context, ruc string) (Taxpayer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ruc/"+url.PathEscape(ruc), nil)
	if err != nil {
		return Taxpayer{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Taxpayer{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Taxpayer{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Taxpayer{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return Taxpayer{}, fmt.Errorf("registry request failed: %s", resp.Status)
	case !gjson.ValidBytes(body):
		return Taxpayer{}, fmt.Errorf("registry returned invalid JSON")
	}
	return parseTaxpayer(ruc, body)
}

// parseTaxpayer reads the provider's response. Providers differ in field names
// and in whether the record is wrapped in "data".
func parseTaxpayer(ruc string, body []byte) (Taxpayer, error) {
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}
	if root.Get("success").Exists() && !root.Get("success").Bool() {
		return Taxpayer{}, ErrNotFound
	}

	t := Taxpayer{
		RUC:       first(root, "ruc", "numeroDocumento", "numero_documento"),
		LegalName: first(root, "razonSocial", "razon_social", "nombre", "legal_name"),
		Address:   first(root, "direccion", "domicilio_fiscal", "address"),
		Status:    strings.ToUpper(first(root, "estado", "status")),
		Condition: strings.ToUpper(first(root, "condicion", "condition")),
	}
	if t.LegalName == "" {
		return Taxpayer{}, ErrNotFound
	}
	if t.RUC == "" {
		t.RUC = ruc
	}
	return t, nil
}

func first(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(r.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}
