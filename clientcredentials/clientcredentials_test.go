package clientcredentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/udhos/checkout/cache/errorcache"
	"github.com/udhos/checkout/token"
)

func TestClientCredentials(t *testing.T) {

	clientID := "clientID"
	clientSecret := "clientSecret"
	token := "abc"
	expireIn := 0
	softExpire := 0
	timeSource := (func() time.Time)(nil)
	disableSingleflight := false

	tokenServerStat := serverStat{}
	serverStat := serverStat{}

	ts := newTokenServer(&tokenServerStat, clientID, clientSecret, token, expireIn)
	defer ts.Close()

	validToken := func(t string) bool { return t == token }

	srv := newServer(&serverStat, validToken)
	defer srv.Close()

	client := newClient(ts.URL, clientID, clientSecret, softExpire, timeSource, disableSingleflight, nil)

	// send 1

	{
		_, errSend := send(client, srv.URL)
		if errSend != nil {
			t.Errorf("send: %v", errSend)
		}
		if tokenServerStat.get() != 1 {
			t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
		}
		if serverStat.get() != 1 {
			t.Errorf("unexpected server access count: %d", serverStat.get())
		}
	}

	// send 2

	_, errSend2 := send(client, srv.URL)
	if errSend2 != nil {
		t.Errorf("send: %v", errSend2)
	}
	if tokenServerStat.get() != 1 {
		t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
	}
	if serverStat.get() != 2 {
		t.Errorf("unexpected server access count: %d", serverStat.get())
	}
}

func TestGetAccessTokenFastPath(t *testing.T) {
	tokenServerStat := serverStat{}
	ts := newTokenServer(&tokenServerStat, "id", "secret", "abc", 3600)
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	for i := 0; i < 2; i++ {
		tk, err := client.GetAccessToken(context.TODO())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if tk != "abc" {
			t.Errorf("call %d: unexpected token: %s", i, tk)
		}
	}

	if tokenServerStat.get() != 1 {
		t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
	}
}

func TestTokenRequestForm(t *testing.T) {
	var gotContentType, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		r.ParseForm()
		if formParam(r, "grant_type") != "client_credentials" ||
			formParam(r, "client_id") != "id" ||
			formParam(r, "client_secret") != "secret" {
			httpJSON(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		httpJSON(w, `{"access_token":"abc","expires_in":60}`, http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	if _, err := client.GetAccessToken(context.TODO()); err != nil {
		t.Fatalf("get token: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("unexpected method: %s", gotMethod)
	}
	if !strings.HasPrefix(gotContentType, "application/x-www-form-urlencoded") {
		t.Errorf("unexpected content type: %s", gotContentType)
	}
}

func TestExpiryArithmetic(t *testing.T) {
	tokenServerStat := serverStat{}
	expireIn := 100
	ts := newTokenServer(&tokenServerStat, "id", "secret", "abc", expireIn)
	defer ts.Close()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	timeSource := func() time.Time { return clock }

	client := newClient(ts.URL, "id", "secret", 0, timeSource, false, nil)

	mustGet := func(label string, wantCount int) {
		t.Helper()
		if _, err := client.GetAccessToken(context.TODO()); err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if got := tokenServerStat.get(); got != wantCount {
			t.Errorf("%s: expected token server count=%d got %d", label, wantCount, got)
		}
	}

	mustGet("first fetch", 1)

	// valid for T <= now < T + 100s - 30s
	clock = start.Add(70*time.Second - time.Millisecond)
	mustGet("last valid instant", 1)

	clock = start.Add(70 * time.Second)
	mustGet("refresh threshold", 2)

	// second token was fetched at T+70s
	clock = start.Add(139 * time.Second)
	mustGet("inside second window", 2)

	clock = start.Add(140 * time.Second)
	mustGet("second threshold", 3)
}

func TestDefaultExpiry(t *testing.T) {
	tokenServerStat := serverStat{}
	ts := newTokenServer(&tokenServerStat, "id", "secret", "abc", 0) // no expires_in
	defer ts.Close()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	timeSource := func() time.Time { return clock }

	c := token.NewMemoryCache()
	client := newClient(ts.URL, "id", "secret", 0, timeSource, false, c)

	if _, err := client.GetAccessToken(context.TODO()); err != nil {
		t.Fatalf("get token: %v", err)
	}

	cached, _ := c.Get(context.TODO())
	if want := start.Add(3600 * time.Second); !cached.Deadline.Equal(want) {
		t.Errorf("expected deadline %v got %v", want, cached.Deadline)
	}

	clock = start.Add(3570*time.Second - time.Millisecond)
	client.GetAccessToken(context.TODO())
	if tokenServerStat.get() != 1 {
		t.Errorf("unexpected refetch before default expiry: %d", tokenServerStat.get())
	}

	clock = start.Add(3570 * time.Second)
	client.GetAccessToken(context.TODO())
	if tokenServerStat.get() != 2 {
		t.Errorf("expected refetch at default expiry threshold: %d", tokenServerStat.get())
	}
}

func TestMissingConfiguration(t *testing.T) {
	tokenServerStat := serverStat{}
	ts := newTokenServer(&tokenServerStat, "id", "secret", "abc", 60)
	defer ts.Close()

	table := []struct {
		name  string
		creds Credentials
	}{
		{"no token url", Credentials{ClientID: "id", ClientSecret: "secret"}},
		{"no client id", Credentials{TokenURL: ts.URL, ClientSecret: "secret"}},
		{"no client secret", Credentials{TokenURL: ts.URL, ClientID: "id"}},
		{"nothing", Credentials{}},
	}

	for _, data := range table {
		creds := data.creds
		client := New(Options{
			Credentials: func() Credentials { return creds },
		})
		_, err := client.GetAccessToken(context.TODO())
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigurationError, got %v", data.name, err)
		}
	}

	if tokenServerStat.get() != 0 {
		t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
	}
}

func TestCredentialsReadAtCallTime(t *testing.T) {
	tokenServerStat := serverStat{}
	ts := newTokenServer(&tokenServerStat, "id", "secret", "abc", 60)
	defer ts.Close()

	var mutex sync.Mutex
	creds := Credentials{}

	client := New(Options{
		Credentials: func() Credentials {
			mutex.Lock()
			defer mutex.Unlock()
			return creds
		},
	})

	_, err := client.GetAccessToken(context.TODO())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	mutex.Lock()
	creds = Credentials{TokenURL: ts.URL, ClientID: "id", ClientSecret: "secret"}
	mutex.Unlock()

	tk, errGet := client.GetAccessToken(context.TODO())
	if errGet != nil {
		t.Fatalf("get token: %v", errGet)
	}
	if tk != "abc" {
		t.Errorf("unexpected token: %s", tk)
	}
}

func TestMissingAccessTokenKeepsCache(t *testing.T) {
	var mutex sync.Mutex
	body := `{"access_token":"first","expires_in":100}`
	stat := serverStat{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		stat.inc()
		mutex.Lock()
		b := body
		mutex.Unlock()
		httpJSON(w, b, http.StatusOK)
	}))
	defer ts.Close()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	timeSource := func() time.Time { return clock }

	c := token.NewMemoryCache()
	client := newClient(ts.URL, "id", "secret", 0, timeSource, false, c)

	if tk, err := client.GetAccessToken(context.TODO()); err != nil || tk != "first" {
		t.Fatalf("first fetch: token=%s err=%v", tk, err)
	}
	before, _ := c.Get(context.TODO())

	mutex.Lock()
	body = `{"expires_in":100}`
	mutex.Unlock()

	clock = start.Add(80 * time.Second) // stale
	_, err := client.GetAccessToken(context.TODO())
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if stat.get() != 2 {
		t.Errorf("unexpected token server access count: %d", stat.get())
	}

	after, _ := c.Get(context.TODO())
	if after != before {
		t.Errorf("cache changed by failed fetch: before=%v after=%v", before, after)
	}

	// the prior token is still served while inside its window
	clock = start.Add(10 * time.Second)
	tk, errGet := client.GetAccessToken(context.TODO())
	if errGet != nil || tk != "first" {
		t.Errorf("prior token not usable: token=%s err=%v", tk, errGet)
	}
	if stat.get() != 2 {
		t.Errorf("unexpected token server access count: %d", stat.get())
	}
}

func TestNegativeExpiresIn(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpJSON(w, `{"access_token":"abc","expires_in":-5}`, http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)
	_, err := client.GetAccessToken(context.TODO())
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Errorf("expected ProtocolError, got %v", err)
	}
}

func TestExpiresInSchema(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	table := []struct {
		name         string
		body         string
		wantProtocol bool
		wantDeadline time.Time
	}{
		{"integer", `{"access_token":"abc","expires_in":60}`, false, start.Add(60 * time.Second)},
		{"absent", `{"access_token":"abc"}`, false, start.Add(DefaultExpiresIn)},
		{"null", `{"access_token":"abc","expires_in":null}`, false, start.Add(DefaultExpiresIn)},
		{"explicit zero", `{"access_token":"abc","expires_in":0}`, false, start},
		{"string", `{"access_token":"abc","expires_in":"60"}`, true, time.Time{}},
		{"fraction", `{"access_token":"abc","expires_in":60.5}`, true, time.Time{}},
		{"object", `{"access_token":"abc","expires_in":{}}`, true, time.Time{}},
	}

	for _, data := range table {
		t.Run(data.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				httpJSON(w, data.body, http.StatusOK)
			}))
			defer ts.Close()

			c := token.NewMemoryCache()
			client := newClient(ts.URL, "id", "secret", 0, func() time.Time { return start }, false, c)

			_, err := client.GetAccessToken(context.TODO())
			cached, _ := c.Get(context.TODO())

			if data.wantProtocol {
				var protoErr *ProtocolError
				if !errors.As(err, &protoErr) {
					t.Errorf("expected ProtocolError, got %v", err)
				}
				if !cached.IsEmpty() {
					t.Errorf("token cached on bad expires_in: %+v", cached)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !cached.Deadline.Equal(data.wantDeadline) {
				t.Errorf("expected deadline %v got %v", data.wantDeadline, cached.Deadline)
			}
		})
	}
}

func TestExplicitZeroExpiresInIsStale(t *testing.T) {
	stat := serverStat{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		stat.inc()
		httpJSON(w, `{"access_token":"abc","expires_in":0}`, http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	for i := 1; i <= 2; i++ {
		tk, err := client.GetAccessToken(context.TODO())
		if err != nil || tk != "abc" {
			t.Fatalf("call %d: token=%s err=%v", i, tk, err)
		}
		if stat.get() != i {
			t.Errorf("call %d: unexpected token server access count: %d", i, stat.get())
		}
	}
}

func TestConcurrentMissDedup(t *testing.T) {
	var mutex sync.Mutex
	issued := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mutex.Lock()
		issued++
		n := issued
		mutex.Unlock()
		time.Sleep(50 * time.Millisecond)
		httpJSON(w, fmt.Sprintf(`{"access_token":"token-%d","expires_in":3600}`, n), http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	const callers = 50
	results := make([]string, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = client.GetAccessToken(context.TODO())
		}(i)
	}
	close(start)
	wg.Wait()

	mutex.Lock()
	count := issued
	mutex.Unlock()

	if count != 1 {
		t.Errorf("expected exactly 1 token request, got %d", count)
	}

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
			continue
		}
		if results[i] != "token-1" {
			t.Errorf("caller %d: unexpected token: %s", i, results[i])
		}
	}
}

func TestConcurrency(t *testing.T) {

	clientID := "clientID"
	clientSecret := "clientSecret"
	token := "abc"
	expireIn := 0
	softExpire := 0
	timeSource := (func() time.Time)(nil)
	disableSingleflight := false

	tokenServerStat := serverStat{}
	serverStat := serverStat{}

	ts := newTokenServer(&tokenServerStat, clientID, clientSecret, token, expireIn)
	defer ts.Close()

	validToken := func(t string) bool { return t == token }

	srv := newServer(&serverStat, validToken)
	defer srv.Close()

	client := newClient(ts.URL, clientID, clientSecret, softExpire, timeSource, disableSingleflight, nil)

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {

			for j := 0; j < 20; j++ {
				_, errSend := send(client, srv.URL)
				if errSend != nil {
					t.Errorf("send1: %v", errSend)
				}
			}

			wg.Done()
		}()
	}

	wg.Wait()

	if tokenServerStat.get() != 1 {
		t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
	}
}

// go test -run TestSingleFlight -count 1 ./clientcredentials
func TestSingleFlight(t *testing.T) {

	clientID := "clientID"
	clientSecret := "clientSecret"
	token := "abc"
	expireIn := 0
	softExpire := 0
	timeSource := (func() time.Time)(nil)
	disableSingleflight := false

	tokenServerStat := serverStat{}
	serverStat := serverStat{}

	ts := newTokenServer(&tokenServerStat, clientID, clientSecret, token, expireIn)
	defer ts.Close()

	validToken := func(t string) bool { return t == token }

	srv := newServer(&serverStat, validToken)
	defer srv.Close()

	//
	// error cache forces token retrieval for every request
	//
	errCache, _ := errorcache.New()

	client := newClient(ts.URL, clientID, clientSecret, softExpire, timeSource, disableSingleflight, errCache)

	//
	// fire concurrent requests
	//

	goroutines := 50
	requestsPerGoroutine := 20
	total := goroutines * requestsPerGoroutine

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {

			for j := 0; j < requestsPerGoroutine; j++ {
				_, errSend := send(client, srv.URL)
				if errSend != nil {
					t.Errorf("send1: %v", errSend)
				}
			}

			wg.Done()
		}()
	}
	wg.Wait()

	//
	// check requests count
	//

	t.Logf("requests: total=%d tokens=%d server=%d", total, tokenServerStat.get(), serverStat.get())

	if total <= tokenServerStat.get() {
		t.Errorf("singleflight didnt save token requests: total=%d tokens=%d server=%d",
			total, tokenServerStat.get(), serverStat.get())
	}
}

// go test -run TestDisableSingleFlight -count 1 ./clientcredentials
func TestDisableSingleFlight(t *testing.T) {

	clientID := "clientID"
	clientSecret := "clientSecret"
	token := "abc"
	expireIn := 0
	softExpire := 0
	timeSource := (func() time.Time)(nil)
	disableSingleflight := true

	tokenServerStat := serverStat{}
	serverStat := serverStat{}

	ts := newTokenServer(&tokenServerStat, clientID, clientSecret, token, expireIn)
	defer ts.Close()

	validToken := func(t string) bool { return t == token }

	srv := newServer(&serverStat, validToken)
	defer srv.Close()

	errCache, _ := errorcache.New()

	client := newClient(ts.URL, clientID, clientSecret, softExpire, timeSource, disableSingleflight, errCache)

	goroutines := 20
	requestsPerGoroutine := 20
	total := goroutines * requestsPerGoroutine

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {

			for j := 0; j < requestsPerGoroutine; j++ {
				_, errSend := send(client, srv.URL)
				if errSend != nil {
					t.Errorf("send1: %v", errSend)
				}
			}

			wg.Done()
		}()
	}
	wg.Wait()

	if total != tokenServerStat.get() {
		t.Errorf("unexpected different request count: total=%d tokens=%d server=%d",
			total, tokenServerStat.get(), serverStat.get())
	}
}

func TestForcedExpiration(t *testing.T) {

	clientID := "clientID"
	clientSecret := "clientSecret"
	token := "abc"
	expireIn := 60
	softExpire := -1 // disable soft expire
	disableSingleflight := false

	tokenServerStat := serverStat{}
	serverStat := serverStat{}

	ts := newTokenServer(&tokenServerStat, clientID, clientSecret, token, expireIn)
	defer ts.Close()

	var mutex sync.Mutex
	accepted := token
	validToken := func(t string) bool {
		mutex.Lock()
		defer mutex.Unlock()
		return t == accepted
	}

	srv := newServer(&serverStat, validToken)
	defer srv.Close()

	client := newClient(ts.URL, clientID, clientSecret, softExpire, nil, disableSingleflight, nil)

	// send 1: get first token

	if _, errSend := send(client, srv.URL); errSend != nil {
		t.Errorf("send: %v", errSend)
	}

	// send 2: server stops accepting our token

	mutex.Lock()
	accepted = "other"
	mutex.Unlock()

	result, errSend2 := send(client, srv.URL)
	if errSend2 == nil {
		t.Errorf("unexpected send sucesss")
	}
	if result.status != 401 {
		t.Errorf("unexpected status: %d", result.status)
	}
	if tokenServerStat.get() != 1 {
		t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
	}

	// send 3: token was expired by the 401, so a new one is fetched

	mutex.Lock()
	accepted = token
	mutex.Unlock()

	if _, errSend3 := send(client, srv.URL); errSend3 != nil {
		t.Errorf("send: %v", errSend3)
	}
	if tokenServerStat.get() != 2 {
		t.Errorf("unexpected token server access count: %d", tokenServerStat.get())
	}
	if serverStat.get() != 3 {
		t.Errorf("unexpected server access count: %d", serverStat.get())
	}
}

func TestTokenServerBrokenURL(t *testing.T) {
	client := newClient("broken-url", "id", "secret", 0, nil, false, nil)

	_, err := client.GetAccessToken(context.TODO())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("expected TransportError, got %v", err)
	}
}

func TestBrokenTokenServer(t *testing.T) {

	tokenServerStat := serverStat{}

	ts := newTokenServerBroken(&tokenServerStat)
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	for i := 1; i <= 2; i++ {
		_, err := client.GetAccessToken(context.TODO())
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Errorf("call %d: expected ProtocolError, got %v", i, err)
		}
		// no internal retry, nothing cached
		if tokenServerStat.get() != i {
			t.Errorf("call %d: unexpected token server access count: %d", i, tokenServerStat.get())
		}
	}
}

func TestLockedTokenServer(t *testing.T) {

	tokenServerStat := serverStat{}

	ts := newTokenServer(&tokenServerStat, "id", "WRONG-SECRET", "abc", 60)
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	for i := 1; i <= 2; i++ {
		_, err := client.GetAccessToken(context.TODO())
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			t.Fatalf("call %d: expected TransportError, got %v", i, err)
		}
		if transportErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("call %d: unexpected status: %d", i, transportErr.StatusCode)
		}
		if tokenServerStat.get() != i {
			t.Errorf("call %d: unexpected token server access count: %d", i, tokenServerStat.get())
		}
	}
}

func TestCustomTokenStatusCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpJSON(w, `{"access_token":"abc","expires_in":60}`, http.StatusAccepted)
	}))
	defer ts.Close()

	// default accepts any 2xx
	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)
	if tk, err := client.GetAccessToken(context.TODO()); err != nil || tk != "abc" {
		t.Errorf("default status check: token=%s err=%v", tk, err)
	}

	only200 := func(status int) error {
		if status != http.StatusOK {
			return fmt.Errorf("unexpected status: %d", status)
		}
		return nil
	}

	strict := New(Options{
		TokenURL:            ts.URL,
		ClientID:            "id",
		ClientSecret:        "secret",
		IsTokenStatusCodeOk: only200,
	})

	_, err := strict.GetAccessToken(context.TODO())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.StatusCode != http.StatusAccepted {
		t.Errorf("unexpected status: %d", transportErr.StatusCode)
	}
}

func TestTruncatedTokenResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 200 OK\r\n")
		buf.WriteString("Content-Type: application/json\r\n")
		buf.WriteString("Content-Length: 200\r\n\r\n")
		buf.WriteString(`{"access_token":"ab`)
		buf.Flush()
	}))
	defer ts.Close()

	c := token.NewMemoryCache()
	client := newClient(ts.URL, "id", "secret", 0, nil, false, c)

	_, err := client.GetAccessToken(context.TODO())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("expected TransportError, got %v", err)
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		t.Errorf("truncated body reported as ProtocolError: %v", err)
	}

	cached, _ := c.Get(context.TODO())
	if !cached.IsEmpty() {
		t.Errorf("token cached on truncated response: %+v", cached)
	}
}

func TestTokenServerTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		httpJSON(w, `{"access_token":"late"}`, http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	c := token.NewMemoryCache()
	client := New(Options{
		TokenURL:     ts.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Timeout:      100 * time.Millisecond,
		Cache:        c,
	})

	_, err := client.GetAccessToken(context.TODO())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("expected TransportError, got %v", err)
	}

	cached, _ := c.Get(context.TODO())
	if !cached.IsEmpty() {
		t.Errorf("timed out fetch should not populate cache: %v", cached)
	}
}

func TestCallerContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		httpJSON(w, `{"access_token":"abc"}`, http.StatusOK)
	}))
	defer ts.Close()

	client := newClient(ts.URL, "id", "secret", 0, nil, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetAccessToken(ctx)
	close(release)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type sendResult struct {
	body   string
	status int
}

func send(client *Client, serverURL string) (sendResult, error) {

	var result sendResult

	req, errReq := http.NewRequestWithContext(context.TODO(), "GET", serverURL, nil)
	if errReq != nil {
		return result, fmt.Errorf("request: %v", errReq)
	}

	resp, errDo := client.Do(req)
	if errDo != nil {
		return result, fmt.Errorf("do: %v", errDo)
	}
	defer resp.Body.Close()

	body, errBody := io.ReadAll(resp.Body)
	if errBody != nil {
		return result, fmt.Errorf("body: %v", errBody)
	}

	bodyStr := string(body)

	result.body = bodyStr
	result.status = resp.StatusCode

	if resp.StatusCode != 200 {
		return result, fmt.Errorf("bad status:%d body:%v", resp.StatusCode, bodyStr)
	}

	return result, nil
}

func formParam(r *http.Request, key string) string {
	v := r.Form[key]
	if v == nil {
		return ""
	}
	return v[0]
}

func newServer(stat *serverStat, validToken func(token string) bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stat.inc()
		h := r.Header.Get("Authorization")
		t := strings.TrimPrefix(h, "Bearer ")
		if !validToken(t) {
			httpJSON(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		httpJSON(w, `{"message":"ok"}`, http.StatusOK)
	}))
}

// httpJSON replies to the request with the specified message and HTTP code.
// The message should be JSON.
func httpJSON(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, message)
}

type serverStat struct {
	count int
	mutex sync.Mutex
}

func (stat *serverStat) inc() {
	stat.mutex.Lock()
	stat.count++
	stat.mutex.Unlock()
}

func (stat *serverStat) get() int {
	stat.mutex.Lock()
	defer stat.mutex.Unlock()
	return stat.count
}

func newTokenServer(serverInfo *serverStat, clientID, clientSecret, token string, expireIn int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		serverInfo.inc()

		r.ParseForm()
		formGrantType := formParam(r, "grant_type")
		formClientID := formParam(r, "client_id")
		formClientSecret := formParam(r, "client_secret")

		if formGrantType != "client_credentials" || formClientID != clientID || formClientSecret != clientSecret {
			httpJSON(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		var t string

		if expireIn > 0 {
			t = fmt.Sprintf(`{"access_token":"%s","expires_in":%d}`, token, expireIn)
		} else {
			t = fmt.Sprintf(`{"access_token":"%s"}`, token)
		}

		httpJSON(w, t, http.StatusOK)
	}))
}

func newTokenServerBroken(serverInfo *serverStat) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		serverInfo.inc()
		httpJSON(w, "broken-token", http.StatusOK)
	}))
}

func newClient(tokenURL, clientID, clientSecret string, softExpire int, timeSource func() time.Time, disableSingleflight bool, c token.TokenCache) *Client {

	options := Options{
		TokenURL:            tokenURL,
		ClientID:            clientID,
		ClientSecret:        clientSecret,
		SoftExpireInSeconds: softExpire,
		TimeSource:          timeSource,
		Cache:               c,
		DisableSingleFlight: disableSingleflight,
	}

	return New(options)
}
