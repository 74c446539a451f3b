// Package clientcredentials obtains and caches oauth2 access tokens with
// the client-credentials grant.
package clientcredentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	cc "github.com/udhos/oauth2clientcredentials/clientcredentials"
	"github.com/valyala/fastjson"
	"golang.org/x/sync/singleflight"

	"github.com/udhos/checkout/token"
)

const (
	// DefaultSoftExpireInSeconds is the safety buffer applied before the
	// token deadline.
	DefaultSoftExpireInSeconds = 30

	// DefaultTimeout bounds one request to the token endpoint.
	DefaultTimeout = 5 * time.Second

	// DefaultExpiresIn is assumed when the token response omits expires_in.
	DefaultExpiresIn = 3600 * time.Second
)

// HTTPDoer is interface for http client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials identify the client at the token endpoint.
type Credentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func (c Credentials) missing() []string {
	var m []string
	if c.TokenURL == "" {
		m = append(m, "token URL")
	}
	if c.ClientID == "" {
		m = append(m, "client ID")
	}
	if c.ClientSecret == "" {
		m = append(m, "client secret")
	}
	return m
}

// Options define client options.
type Options struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	// Credentials, if defined, is invoked on every token fetch and takes
	// precedence over TokenURL, ClientID and ClientSecret.
	// This lets configuration change without rebuilding the client.
	Credentials func() Credentials

	// HTTPClient is the HTTP client to use to make requests.
	// If nil, an http.Client with Timeout is used.
	HTTPClient HTTPDoer

	// IsTokenStatusCodeOk defines custom function to check whether the
	// token server response status is OK. It returns nil for an OK status.
	// If undefined, defaults to cc.DefaultIsStatusCodeOK that accepts any 2xx.
	IsTokenStatusCodeOk func(status int) error

	// 0 defaults to 30 seconds. Set to -1 to no soft expire.
	//
	// Example: consider expire_in = 60 seconds and soft expire = 30 seconds.
	// The token will hard expire after 60 seconds, but we will consider it
	// expired after (60-30) = 30 seconds, in order to attempt renewal before
	// hard expiration.
	//
	SoftExpireInSeconds int

	// Timeout bounds a token fetch. 0 defaults to 5 seconds.
	Timeout time.Duration

	// Cache holds the token. If nil, a private memory cache is created.
	Cache token.TokenCache

	// Time source used to check token expiration.
	// If unspecified, defaults to time.Now().
	TimeSource func() time.Time

	DisableSingleFlight bool

	// Logger, if undefined defaults to logrus standard logger.
	Logger logrus.FieldLogger

	// Enable debug logging.
	Debug bool

	// IsBadTokenStatus defines custom function to check whether the
	// server response status is bad token.
	// If undefined, defaults to DefaultIsBadTokenStatus that just checks
	// for status 401.
	IsBadTokenStatus func(status int) bool
}

// DefaultIsBadTokenStatus is used as default function when option IsBadTokenStatus
// is left undefined. DefaultIsBadTokenStatus just checks for status 401.
func DefaultIsBadTokenStatus(status int) bool {
	return status == http.StatusUnauthorized
}

// Client is context for invokations with client-credentials flow.
// A Client is safe for concurrent use.
type Client struct {
	options    Options
	softExpire time.Duration
	group      singleflight.Group
}

// New creates a client.
func New(options Options) *Client {
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: options.Timeout}
	}
	if options.IsTokenStatusCodeOk == nil {
		options.IsTokenStatusCodeOk = cc.DefaultIsStatusCodeOK
	}
	switch options.SoftExpireInSeconds {
	case 0:
		options.SoftExpireInSeconds = DefaultSoftExpireInSeconds
	case -1:
		options.SoftExpireInSeconds = 0
	}
	if options.Cache == nil {
		options.Cache = token.NewMemoryCache()
	}
	if options.TimeSource == nil {
		options.TimeSource = time.Now
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.IsBadTokenStatus == nil {
		options.IsBadTokenStatus = DefaultIsBadTokenStatus
	}
	return &Client{
		options:    options,
		softExpire: time.Duration(options.SoftExpireInSeconds) * time.Second,
	}
}

func (c *Client) errorf(format string, v ...any) {
	c.options.Logger.Errorf(format, v...)
}

func (c *Client) debugf(format string, v ...any) {
	if c.options.Debug {
		c.options.Logger.Debugf(format, v...)
	}
}

// Do sends an HTTP request with a bearer token.
func (c *Client) Do(req *http.Request) (*http.Response, error) {

	accessToken, errToken := c.GetAccessToken(req.Context())
	if errToken != nil {
		return nil, errToken
	}

	resp, errResp := c.send(req, accessToken)
	if errResp != nil {
		return resp, errResp
	}

	if c.options.IsBadTokenStatus(resp.StatusCode) {
		//
		// the server refused our token, so we expire it in order to
		// renew it at the next invokation.
		//
		if err := c.options.Cache.Expire(req.Context()); err != nil {
			c.errorf("cache expire error: %v", err)
		}
	}

	return resp, errResp
}

func (c *Client) send(req *http.Request, accessToken string) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.options.HTTPClient.Do(req)
}

// GetAccessToken returns a token that is valid for at least the soft expire
// interval, fetching a new one from the token endpoint when the cached one
// is missing or stale.
//
// Errors are *ConfigurationError, *TransportError or *ProtocolError.
// Failures are not retried and leave the cache untouched.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if t, found := c.cachedToken(ctx); found {
		c.debugf("found valid cached token")
		return t, nil
	}
	c.debugf("NO valid cached token")

	creds := c.credentials()
	if missing := creds.missing(); len(missing) > 0 {
		return "", &ConfigurationError{Missing: missing}
	}

	return c.fetchToken(ctx, creds)
}

func (c *Client) credentials() Credentials {
	if c.options.Credentials != nil {
		return c.options.Credentials()
	}
	return Credentials{
		TokenURL:     c.options.TokenURL,
		ClientID:     c.options.ClientID,
		ClientSecret: c.options.ClientSecret,
	}
}

func (c *Client) cachedToken(ctx context.Context) (string, bool) {
	t, errCache := c.options.Cache.Get(ctx)
	if errCache != nil {
		c.errorf("cache get error: %v", errCache)
		return "", false
	}
	now := c.options.TimeSource()
	valid := t.IsValid(now, c.softExpire)
	c.debugf("token softExpire=%v remain=%v valid=%v", c.softExpire, t.Remain(now), valid)
	if !valid {
		return "", false
	}
	return t.Value, true
}

// fetchToken retrieves new token and saves into cache, guarded with singleflight.
func (c *Client) fetchToken(ctx context.Context, creds Credentials) (string, error) {

	if c.options.DisableSingleFlight {
		return c.fetchTokenRaw(ctx, creds)
	}

	key := ""

	f := func() (interface{}, error) {
		//
		// a flight that finished between our cache miss and
		// this point has already refreshed the cache.
		//
		if t, found := c.cachedToken(ctx); found {
			c.debugf("token refreshed by previous flight")
			return t, nil
		}
		return c.fetchTokenRaw(ctx, creds)
	}

	var result singleflight.Result

	select {
	case result = <-c.group.DoChan(key, f):
	case <-ctx.Done():
		return "", &TransportError{Err: ctx.Err()}
	}

	if result.Err != nil {
		return "", result.Err
	}

	str, isStr := result.Val.(string)
	if !isStr {
		return "", fmt.Errorf("non-string result: type:%[1]T value:%[1]v", result.Val)
	}

	return str, nil
}

// fetchTokenRaw retrieves new token and saves into cache.
func (c *Client) fetchTokenRaw(ctx context.Context, creds Credentials) (string, error) {

	//
	// the fetch may be shared by other callers, so it must not
	// die with the caller that started it. only the timeout bounds it.
	//
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.options.Timeout)
	defer cancel()

	begin := time.Now()
	issuedAt := c.options.TimeSource()

	probe := &probeDoer{doer: c.options.HTTPClient}

	reqOptions := cc.RequestOptions{
		TokenURL:       creds.TokenURL,
		ClientID:       creds.ClientID,
		ClientSecret:   creds.ClientSecret,
		Scope:          c.options.Scope,
		HTTPClient:     probe,
		IsStatusCodeOK: c.options.IsTokenStatusCodeOk,
	}

	resp, errSend := cc.SendRequest(ctx, reqOptions)
	if errSend != nil {
		err := c.classify(ctx, probe, errSend)
		c.errorf("fetchToken: %v", err)
		return "", err
	}

	c.debugf("fetchToken: elapsed:%v status:%d", time.Since(begin), probe.status)

	if resp.AccessToken == "" {
		return "", &ProtocolError{Reason: "missing access_token"}
	}

	expiresIn, errExpire := parseExpiresIn(probe.body)
	if errExpire != nil {
		return "", errExpire
	}

	newToken := token.New(resp.AccessToken, issuedAt, expiresIn)

	c.debugf("saving new token: expires_in=%v", expiresIn)
	if err := c.options.Cache.Put(ctx, newToken); err != nil {
		c.errorf("cache put error: %v", err)
	}

	return newToken.Value, nil
}

// parseExpiresIn reads expires_in from the raw token response.
// cc.Response.ExpiresIn cannot tell a missing field from a malformed one,
// so the body is checked again here. Only an absent field gets the default.
func parseExpiresIn(body []byte) (time.Duration, error) {
	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return 0, &ProtocolError{Reason: "unreadable response", Err: err}
	}
	field := v.Get("expires_in")
	if field == nil || field.Type() == fastjson.TypeNull {
		return DefaultExpiresIn, nil
	}
	if field.Type() != fastjson.TypeNumber {
		return 0, &ProtocolError{Reason: fmt.Sprintf("expires_in is not a number: %s", field)}
	}
	seconds, errInt := field.Int()
	if errInt != nil {
		return 0, &ProtocolError{Reason: fmt.Sprintf("expires_in is not an integer: %s", field), Err: errInt}
	}
	if seconds < 0 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("negative expires_in: %d", seconds)}
	}
	return time.Duration(seconds) * time.Second, nil
}

// classify maps a failed token request into TransportError or ProtocolError.
// The probe tells whether the round trip itself succeeded.
func (c *Client) classify(ctx context.Context, p *probeDoer, err error) error {
	var netErr net.Error
	switch {
	case p.err != nil:
		return &TransportError{Err: p.err}
	case p.readErr != nil:
		// body cut short
		return &TransportError{StatusCode: p.status, Err: p.readErr}
	case ctx.Err() != nil:
		return &TransportError{Err: ctx.Err()}
	case errors.As(err, &netErr):
		return &TransportError{Err: err}
	case p.status == 0:
		// request never left
		return &TransportError{Err: err}
	case c.options.IsTokenStatusCodeOk(p.status) != nil:
		return &TransportError{StatusCode: p.status, Err: err}
	}
	return &ProtocolError{Reason: "unreadable response", Err: err}
}

// probeDoer records the outcome of the round trip performed on its behalf,
// including the response body as it is read. A probe serves a single fetch.
type probeDoer struct {
	doer    HTTPDoer
	status  int
	err     error
	readErr error
	body    []byte
}

func (p *probeDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := p.doer.Do(req)
	p.err = err
	if resp != nil {
		p.status = resp.StatusCode
		if resp.Body != nil {
			resp.Body = &probeBody{ReadCloser: resp.Body, probe: p}
		}
	}
	return resp, err
}

type probeBody struct {
	io.ReadCloser
	probe *probeDoer
}

func (b *probeBody) Read(buf []byte) (int, error) {
	n, err := b.ReadCloser.Read(buf)
	b.probe.body = append(b.probe.body, buf[:n]...)
	if err != nil && err != io.EOF {
		b.probe.readErr = err
	}
	return n, err
}
