// Package auth authenticates platform adapters calling the gateway HTTP API.
//
// Adapters present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The "sub" claim names the adapter and the optional "platforms" claim lists
// the platforms it may submit events for. A token without platforms may act
// for every platform.
//
// Tokens are minted with `flowgpt-gateway token`:
//
//	verifier, _ := auth.NewJWTVerifier(secret)
//	token, _ := verifier.Generate("telegram-bot", []string{"telegram"}, 30*24*time.Hour)
//
// HTTPAuthMiddleware verifies the token and stores the Identity in the request
// context; handlers call RequirePlatform before dispatching an event.
package auth
