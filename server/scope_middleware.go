package server

import (
	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/gin-gonic/gin"
)

const scopeContextKey = "scope"

// ScopeMiddleware resolves the tenant scope for the request. The scope comes
// from the X-Scope header or the scope query parameter; absent both, the
// request runs in the global scope.
func ScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.GetHeader("X-Scope")
		if scope == "" {
			scope = c.Query("scope")
		}
		c.Set(scopeContextKey, settlement.NormalizeScope(scope))
		c.Next()
	}
}

// GetScope returns the resolved scope of the request.
func GetScope(c *gin.Context) string {
	if scope, ok := c.Get(scopeContextKey); ok {
		if s, ok := scope.(string); ok {
			return s
		}
	}
	return settlement.ScopeGlobal
}
