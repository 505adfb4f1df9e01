// Package auth authenticates agent connections to coven-router.
//
// # Tokens
//
// Agents may present an HS256 JWT signed with the configured jwt_secret. The
// "sub" claim is the agent id and must equal the id in the connection path;
// an optional "role" claim of "commander" marks the agent as the handler of
// user requests.
//
//	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := verifier.Generate("worker_01", "", 30*24*time.Hour)
//
// # Handshake
//
// AuthorizeAgent reads the token from the Authorization header
// ("Bearer <token>") or the "token" query parameter and returns the verified
// claims. When no secret is configured the router skips authentication.
package auth
