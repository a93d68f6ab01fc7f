package server

import "context"

// Discovery returns the marshalled OpenID Provider metadata of the issuer
func (s *Server) Discovery(ctx context.Context) ([]byte, error) {
	return s.discovery.Generate(ctx, s.config.Issuer)
}

// JWKS returns the marshalled public signing keys
func (s *Server) JWKS(ctx context.Context) ([]byte, error) {
	return s.jwks.Generate(ctx)
}
