// Package handlers holds HTTP building blocks that do not depend on the
// application layer: readiness checks and admin API key authentication.
//
//	checker := handlers.NewHealthChecker("v1")
//	checker.AddCheck("database", gateway.Ping, true)
//	checker.AddCheck("redis", redisClient.Ping, false)
//
// A failing critical check makes the service not ready; a failing
// non-critical check only marks it degraded.
package handlers
