// Package main implements the oauth2-token tool.
//
// oauth2-token fetches a client-credentials token through the same cache the
// checkout service uses, and optionally sends requests with it.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/udhos/checkout/cache"
	"github.com/udhos/checkout/clientcredentials"
	"github.com/udhos/checkout/config"
	"github.com/udhos/checkout/logging"
)

type application struct {
	tokenURL            string
	clientID            string
	clientSecret        string
	scope               string
	targetURL           string
	targetMethod        string
	targetBody          string
	count               int
	softExpireSeconds   int
	interval            time.Duration
	timeout             time.Duration
	cache               string
	disableSingleflight bool
	concurrent          bool
	debug               bool
	showToken           bool

	log *logrus.Logger
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file loaded: %v\n", err)
	}

	app := application{}

	flag.StringVar(&app.tokenURL, "tokenURL", os.Getenv(config.EnvTokenURL), "token URL")
	flag.StringVar(&app.clientID, "clientID", os.Getenv(config.EnvClientID), "client ID")
	flag.StringVar(&app.clientSecret, "clientSecret", os.Getenv(config.EnvClientSecret), "client secret")
	flag.StringVar(&app.scope, "scope", "", "space-delimited list of scopes")
	flag.StringVar(&app.targetURL, "targetURL", "", "target URL, empty means only fetch the token")
	flag.StringVar(&app.targetMethod, "targetMethod", "GET", "target method")
	flag.StringVar(&app.targetBody, "targetBody", "", "target body")
	flag.IntVar(&app.count, "count", 1, "how many requests to send")
	flag.IntVar(&app.softExpireSeconds, "softExpireSeconds", 0, "token soft expire in seconds, 0 means default, -1 disables")
	flag.DurationVar(&app.interval, "interval", 2*time.Second, "interval between sends")
	flag.DurationVar(&app.timeout, "timeout", clientcredentials.DefaultTimeout, "token fetch timeout")
	flag.StringVar(&app.cache, "cache", os.Getenv("OAUTH_TOKEN_CACHE"), "empty means memory cache\n'file:<path>' means filecache (example: file:/tmp/cache)\n'error' means errorcache\nredis format: 'redis:<host>:<port>:<password>:<key>' (example: redis:localhost:6379::checkout)")
	flag.BoolVar(&app.disableSingleflight, "disableSingleflight", false, "disable singleflight")
	flag.BoolVar(&app.concurrent, "concurrent", false, "concurrent requests")
	flag.BoolVar(&app.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&app.showToken, "showToken", false, "print the access token instead of a masked form")

	flag.Parse()

	level := "info"
	if app.debug {
		level = "debug"
	}
	app.log = logging.New(level, "text")

	tokenCache, errCache := cache.New(app.cache)
	if errCache != nil {
		app.log.Fatalf("cache error: %s: %v", app.cache, errCache)
	}

	client := clientcredentials.New(clientcredentials.Options{
		TokenURL:            app.tokenURL,
		ClientID:            app.clientID,
		ClientSecret:        app.clientSecret,
		Scope:               app.scope,
		SoftExpireInSeconds: app.softExpireSeconds,
		Timeout:             app.timeout,
		Cache:               tokenCache,
		DisableSingleFlight: app.disableSingleflight,
		Logger:              app.log,
		Debug:               app.debug,
	})

	if app.concurrent {
		//
		// concurrent requests
		//
		var wg sync.WaitGroup
		for i := 1; i <= app.count; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				app.run(client, i)
			}()
		}
		wg.Wait()
		return
	}

	//
	// non-concurrent requests
	//
	for i := 1; i <= app.count; i++ {
		app.run(client, i)
		if i < app.count && app.interval != 0 {
			app.log.Infof("request %d/%d: sleeping for interval=%v", i, app.count, app.interval)
			time.Sleep(app.interval)
		}
	}
}

func (app *application) run(client *clientcredentials.Client, i int) {
	label := fmt.Sprintf("request %d/%d", i, app.count)

	if app.targetURL == "" {
		app.fetch(client, label)
		return
	}
	app.send(client, label)
}

func (app *application) fetch(client *clientcredentials.Client, label string) {
	begin := time.Now()
	accessToken, err := client.GetAccessToken(context.Background())
	if err != nil {
		app.log.Fatalf("%s: token: %v", label, err)
	}
	app.log.WithField("elapsed", time.Since(begin)).Infof("%s: got token", label)
	fmt.Println(app.display(accessToken))
}

func (app *application) send(client *clientcredentials.Client, label string) {
	req, errReq := newRequest(app.targetMethod, app.targetURL, app.targetBody)
	if errReq != nil {
		app.log.Fatalf("%s: request: %v", label, errReq)
	}

	resp, errDo := client.Do(req)
	if errDo != nil {
		app.log.Fatalf("%s: do: %v", label, errDo)
	}
	defer resp.Body.Close()

	app.log.Infof("%s: status: %d", label, resp.StatusCode)

	body, errBody := io.ReadAll(resp.Body)
	if errBody != nil {
		app.log.Fatalf("%s: body: %v", label, errBody)
	}

	app.log.Infof("%s: body:", label)
	fmt.Println(string(body))
}

func (app *application) display(accessToken string) string {
	if app.showToken {
		return accessToken
	}
	return mask(accessToken)
}

func newRequest(method, url, body string) (*http.Request, error) {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	return http.NewRequestWithContext(context.Background(), method, url, r)
}

// mask keeps only the first and last 4 characters.
func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
