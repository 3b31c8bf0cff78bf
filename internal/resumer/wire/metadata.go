package wire

import (
	"context"
	"strings"

	"github.com/threadkeep/threadkeep/internal/identity"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carrying caller identity between instances. The rpc
// surface is instance-to-instance on a trusted network; the recording
// instance forwards the identity of the end user it serves.
const (
	UserIDMetadataKey   = "x-user-id"
	ClientIDMetadataKey = "x-client-id"
	BearerMetadataKey   = "authorization"
)

// IdentityFromIncoming resolves the caller identity from incoming grpc
// metadata and puts it on the context.
func IdentityFromIncoming(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	var id identity.Identity
	if values := md.Get(UserIDMetadataKey); len(values) > 0 {
		id.UserID = strings.TrimSpace(values[0])
	}
	if values := md.Get(ClientIDMetadataKey); len(values) > 0 {
		id.ClientID = strings.TrimSpace(values[0])
	}
	if values := md.Get(BearerMetadataKey); len(values) > 0 {
		id.BearerToken = strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer "))
	}
	if id == (identity.Identity{}) {
		return ctx
	}
	return identity.WithContext(ctx, id)
}

// IdentityToOutgoing attaches the context's identity as metadata for an
// outbound call.
func IdentityToOutgoing(ctx context.Context) context.Context {
	id := identity.FromContext(ctx)
	pairs := make([]string, 0, 6)
	if id.UserID != "" {
		pairs = append(pairs, UserIDMetadataKey, id.UserID)
	}
	if id.ClientID != "" {
		pairs = append(pairs, ClientIDMetadataKey, id.ClientID)
	}
	if id.BearerToken != "" {
		pairs = append(pairs, BearerMetadataKey, "Bearer "+id.BearerToken)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
