// Package googleauth captures a federated access token for the
// /auth/google-login exchange. The provider redirects the browser back to a
// short-lived localhost listener; the token rides in the URL fragment, so a
// small page relays it to the listener with a POST.
package googleauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const relayPage = `<!doctype html>
<html><body>
<p>Completing sign-in&hellip; you can close this tab once it confirms.</p>
<script>
  var params = new URLSearchParams(window.location.hash.slice(1));
  var token = params.get("access_token") || new URLSearchParams(window.location.search).get("access_token");
  if (token) {
    fetch("/token", {
      method: "POST",
      headers: {"Content-Type": "application/json"},
      body: JSON.stringify({token: token})
    }).then(function () { document.body.textContent = "Signed in. You can close this tab."; });
  } else {
    document.body.textContent = "No access token in redirect.";
  }
</script>
</body></html>`

// Listener is a one-shot localhost server that waits for a single access
// token and then shuts down.
type Listener struct {
	addr   string
	server *http.Server
	tokens chan string
	log    zerolog.Logger
}

func New(host string, port int, environment string, log zerolog.Logger) *Listener {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	l := &Listener{
		addr:   fmt.Sprintf("%s:%d", host, port),
		tokens: make(chan string, 1),
		log:    log.With().Str("component", "googleauth").Logger(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/", l.servePage)
	engine.GET("/callback", l.servePage)
	engine.POST("/token", l.receiveToken)

	l.server = &http.Server{
		Addr:         l.addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return l
}

// RedirectURL is the value to register as the OAuth redirect URI.
func (l *Listener) RedirectURL() string {
	return "http://" + l.addr + "/callback"
}

func (l *Listener) servePage(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, relayPage)
}

func (l *Listener) receiveToken(c *gin.Context) {
	var body struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}

	select {
	case l.tokens <- body.Token:
	default:
		// A token was already captured; this is a duplicate relay.
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Capture serves until one access token arrives or ctx ends, then shuts the
// listener down.
func (l *Listener) Capture(ctx context.Context) (string, error) {
	errc := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	l.log.Info().Str("url", "http://"+l.addr+"/").Msg("waiting for federated sign-in")

	var token string
	var err error
	select {
	case token = <-l.tokens:
	case err = <-errc:
		err = fmt.Errorf("oauth listener: %w", err)
	case <-ctx.Done():
		err = ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := l.server.Shutdown(shutdownCtx); shutdownErr != nil {
		l.log.Warn().Err(shutdownErr).Msg("oauth listener shutdown failed")
	}

	if err != nil {
		return "", err
	}
	return token, nil
}
