package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/convert"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

// DefaultTimeout bounds every backend request.
const DefaultTimeout = 15 * time.Second

const maxBody = 1 << 20

// Backend paths.
const (
	ProfilePath = "/auth/profile"
	AvatarPath  = "/auth/upload-avatar"
	AccountPath = "/auth/account"
	LogoutPath  = "/auth/logout"
	CartPath    = "/cart"
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Tokens    TokenSource
	OnExpired ExpiredFunc
	// Base is the innermost RoundTripper; nil means http.DefaultTransport.
	Base http.RoundTripper
	Log  *zap.Logger
}

// Client is the typed backend API. Every call is bearer-stamped and runs through
// the refresh-retry lifecycle.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds the RefreshRetry -> Logging -> Base chain.
func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	logging := NewLogging(o.Base, o.Log, nil)
	rt := NewRefreshRetry(logging, o.Tokens, o.OnExpired, o.Log)
	return &Client{
		baseURL: strings.TrimRight(o.BaseURL, "/"),
		http:    &http.Client{Timeout: o.Timeout, Transport: rt},
		log:     o.Log,
	}
}

// HTTPClient exposes the decorated client for callers that need raw access.
func (c *Client) HTTPClient() *http.Client { return c.http }

type userEnvelope struct {
	User *convert.WireUser `json:"user"`
}

// GetProfile fetches the authoritative profile.
func (c *Client) GetProfile(ctx context.Context) (model.UserProfile, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "transport.getProfile", http.MethodGet, ProfilePath, nil, "", &raw); err != nil {
		return model.UserProfile{}, err
	}
	return decodeUser(raw)
}

// UpdateProfile sends a partial update and returns the stored profile.
func (c *Client) UpdateProfile(ctx context.Context, upd convert.ProfileUpdate) (model.UserProfile, error) {
	body, err := json.Marshal(upd)
	if err != nil {
		return model.UserProfile{}, errs.New(errs.Unknown, "transport.updateProfile", err)
	}
	var raw json.RawMessage
	if err := c.do(ctx, "transport.updateProfile", http.MethodPut, ProfilePath, body, "application/json", &raw); err != nil {
		return model.UserProfile{}, err
	}
	return decodeUser(raw)
}

// UploadAvatar posts the image as multipart field "avatar". The body is buffered so a
// 401 can be replayed.
func (c *Client) UploadAvatar(ctx context.Context, filename string, r io.Reader) (model.UserProfile, error) {
	const op = "transport.uploadAvatar"
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("avatar", filename)
	if err != nil {
		return model.UserProfile{}, errs.New(errs.Unknown, op, err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return model.UserProfile{}, errs.New(errs.Unknown, op, err)
	}
	if err := mw.Close(); err != nil {
		return model.UserProfile{}, errs.New(errs.Unknown, op, err)
	}
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodPost, AvatarPath, buf.Bytes(), mw.FormDataContentType(), &raw); err != nil {
		return model.UserProfile{}, err
	}
	return decodeUser(raw)
}

// DeleteAccount removes the backend account.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, "transport.deleteAccount", http.MethodDelete, AccountPath, nil, "", nil)
}

// Logout notifies the backend. It never triggers a refresh or a forced expiry.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(WithoutRefresh(ctx), "transport.logout", http.MethodPost, LogoutPath, nil, "", nil)
}

type cartResponse struct {
	Items  []convert.WireCartItem `json:"items"`
	Totals model.CartTotals       `json:"totals"`
}

// GetCart loads the server cart.
func (c *Client) GetCart(ctx context.Context) (model.Cart, error) {
	var resp cartResponse
	if err := c.do(ctx, "transport.getCart", http.MethodGet, CartPath, nil, "", &resp); err != nil {
		return model.Cart{}, err
	}
	items, err := convert.ToCartItems(resp.Items)
	if err != nil {
		return model.Cart{}, errs.New(errs.BackendUnreachable, "transport.getCart", err)
	}
	return model.Cart{Items: items, Totals: resp.Totals}, nil
}

type cartItemRequest struct {
	Quantity int `json:"quantity"`
}

type cartItemResponse struct {
	Item   convert.WireCartItem `json:"item"`
	Totals model.CartTotals     `json:"totals"`
}

// UpdateCartItem sets the quantity of one line and returns the server's view of it.
func (c *Client) UpdateCartItem(ctx context.Context, itemID string, quantity int) (model.CartItem, model.CartTotals, error) {
	const op = "transport.updateCartItem"
	body, err := json.Marshal(cartItemRequest{Quantity: quantity})
	if err != nil {
		return model.CartItem{}, model.CartTotals{}, errs.New(errs.Unknown, op, err)
	}
	var resp cartItemResponse
	path := CartPath + "/items/" + url.PathEscape(itemID)
	if err := c.do(ctx, op, http.MethodPut, path, body, "application/json", &resp); err != nil {
		return model.CartItem{}, model.CartTotals{}, err
	}
	if resp.Item.ID == "" && resp.Item.MongoID == "" {
		resp.Item.ID = itemID
	}
	item, err := convert.ToCartItem(resp.Item)
	if err != nil {
		return model.CartItem{}, model.CartTotals{}, errs.New(errs.BackendUnreachable, op, err)
	}
	return item, resp.Totals, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, contentType string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errs.New(errs.Unknown, op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errs.KindOf(err) != errs.Unknown || errors.Is(err, context.Canceled) {
			return err
		}
		return errs.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return errs.Network(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: %w", op, &StatusError{Code: resp.StatusCode, Message: errorMessage(data)})
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New(errs.BackendUnreachable, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

func decodeUser(raw json.RawMessage) (model.UserProfile, error) {
	var env userEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.User != nil {
		return convert.ToProfile(env.User)
	}
	var u convert.WireUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return model.UserProfile{}, errs.New(errs.BackendUnreachable, "transport.decodeUser", err)
	}
	p, err := convert.ToProfile(&u)
	if err != nil {
		return model.UserProfile{}, errs.New(errs.BackendUnreachable, "transport.decodeUser", err)
	}
	return p, nil
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return ""
}
