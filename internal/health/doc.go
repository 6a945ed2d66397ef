// Package health serves the liveness, readiness and health probes of the
// key server.
//
// Dependencies are registered as checks:
//
//	h := health.NewHandler(logger)
//	h.AddCheck(health.PingCheck("store", health.DependencyDatabase, st))
//	h.RegisterRoutes(engine)
//
// Readiness fails while any critical check fails or after SetDraining(true).
package health
