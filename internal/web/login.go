package web

import (
	"context"
	"crypto/subtle"
	"encoding/gob"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/api"
	"github.com/bigredeye/deploygate/internal/gitlab"
	lf "github.com/bigredeye/deploygate/internal/logfield"
)

const (
	tokenHeader = "Token"
	identityKey = "identity"
)

// Session is stored in the cookie of a reviewer logged in with GitLab.
type Session struct {
	Login string
	ID    int
}

func init() {
	gob.Register(Session{})
}

type loginService struct {
	webService
}

func setupLoginService(server *Server, r *gin.Engine) {
	s := loginService{webService{server, server.config, server.logger}}

	r.GET(server.config.Endpoints.Login, s.login)
	r.GET(server.config.Endpoints.OauthCallback, s.oauth)
	r.GET(server.config.Endpoints.Logout, s.logout)
}

func (s loginService) login(c *gin.Context) {
	session := sessions.Default(c)

	oauthState := uuid.New().String()
	session.Set("oauth_state", oauthState)
	err := session.Save()
	if err != nil {
		s.log.Error("Failed to save session", zap.Error(err))
	}

	s.log.Info("Login", zap.String("oauth_state", oauthState))
	c.Redirect(http.StatusTemporaryRedirect, s.server.auth.LoginURL(oauthState))
}

func (s loginService) oauth(c *gin.Context) {
	oauthState := c.Query("state")
	session := sessions.Default(c)
	if v := session.Get("oauth_state"); v == nil || v != oauthState {
		if v == nil {
			s.log.Info("No oauth state found")
		} else {
			s.log.Info("Mismatched oauth state", zap.String("query", oauthState), zap.String("cookie", v.(string)))
		}
		c.JSON(http.StatusBadRequest, &api.Status{Error: "Invalid oauth state"})
		return
	}

	ctx, cancel := context.WithTimeout(c, time.Second*5)
	defer cancel()
	token, err := s.server.auth.Exchange(ctx, c.Query("code"))
	if err != nil {
		s.log.Error("Failed to exchange tokens", zap.Error(err))
		c.JSON(http.StatusBadGateway, &api.Status{Error: "Failed to exchange oauth code"})
		return
	}

	user, err := gitlab.GetOAuthGitLabUser(ctx, token.AccessToken, s.config.GitLab.BaseURL)
	if err != nil {
		s.log.Error("Failed to get gitlab user", zap.Error(err))
		c.JSON(http.StatusBadGateway, &api.Status{Error: "Failed to fetch gitlab user"})
		return
	}
	s.log.Info("Fetched gitlab user", zap.String("username", user.Login), zap.Int("id", user.ID))

	session.Delete("oauth_state")
	session.Set("login", Session{Login: user.Login, ID: user.ID})
	err = session.Save()
	if err != nil {
		s.log.Error("Failed to save session", zap.Error(err))
	}

	c.JSON(http.StatusOK, &api.Status{Ok: true})
}

func (s loginService) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	err := session.Save()
	if err != nil {
		s.log.Error("Failed to save session", zap.Error(err))
	}

	c.JSON(http.StatusOK, &api.Status{Ok: true})
}

func setupAuth(s *Server, r *gin.Engine) error {
	authKey, err := hex.DecodeString(s.config.Server.Cookies.AuthenticationKey)
	if err != nil {
		return errors.Wrap(err, "Failed to decode hex authenticationKey")
	}
	encryptKey, err := hex.DecodeString(s.config.Server.Cookies.EncryptionKey)
	if err != nil {
		return errors.Wrap(err, "Failed to decode hex encryptionKey")
	}
	store := cookie.NewStore(authKey, encryptKey)
	store.Options(sessions.Options{
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions("session", store))
	return nil
}

// identify resolves the caller either by reviewer token or by login session.
func (s *Server) identify(c *gin.Context) {
	if token := c.GetHeader(tokenHeader); token != "" {
		for _, reviewer := range s.config.Reviewers {
			if reviewer.Token != "" && subtle.ConstantTimeCompare([]byte(reviewer.Token), []byte(token)) == 1 {
				c.Set(identityKey, reviewer.Identity)
				c.Next()
				return
			}
		}
		s.logger.Warn("Unknown reviewer token", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, &api.Status{Error: "Invalid or expired token"})
		return
	}

	session := sessions.Default(c)
	info, ok := session.Get("login").(Session)
	if !ok || info.Login == "" {
		s.logger.Info("Undefined session", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, &api.Status{Error: "Login required"})
		return
	}

	s.logger.Debug("Valid session", lf.Actor(info.Login), zap.Int("id", info.ID))
	c.Set(identityKey, info.Login)
	c.Next()
}

func identity(c *gin.Context) string {
	return c.GetString(identityKey)
}
