package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jacktok/jacky-tracker/adapters/redis"
	"github.com/jacktok/jacky-tracker/adapters/session"
)

const (
	SESSION_KEY_REQUEST_STATE = "request_state"
)

func (impl *ServerImpl) SessionMiddleware() gin.HandlerFunc {
	store := redis.NewStore(
		impl.redisClient,
		redis.WithStorePrefix(impl.config.Redis.KeyPrefix+"session:"),
	)
	return session.GinMiddleware(
		store,
		session.WithSessionKeyForCookie(impl.config.Session.KeyForCookie),
		session.WithCookieMaxAge(impl.config.Session.CookieMaxAge),
		session.WithCookieSecure(impl.config.Session.CookieSecure),
	)
}
