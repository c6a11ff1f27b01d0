package server

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/pixperk/pdmlock/api/v1"
	"github.com/pixperk/pdmlock/pkg/types"
)

const IdentityHeader = pb.IdentityHeader

// IdentityProvider resolves who is calling and whether they may force-release.
type IdentityProvider interface {
	Identify(ctx context.Context) (types.Principal, error)
}

// trusts the identity the client puts in request metadata, meant to sit
// behind an authenticating proxy or on a trusted network
type MetadataIdentityProvider struct {
	privileged map[string]struct{}
}

func NewMetadataIdentityProvider(privileged []string) *MetadataIdentityProvider {
	p := &MetadataIdentityProvider{privileged: make(map[string]struct{}, len(privileged))}
	for _, name := range privileged {
		if name = strings.TrimSpace(name); name != "" {
			p.privileged[name] = struct{}{}
		}
	}
	return p
}

func (p *MetadataIdentityProvider) Identify(ctx context.Context) (types.Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return types.Principal{}, status.Error(codes.Unauthenticated, "missing request metadata")
	}
	vals := md.Get(IdentityHeader)
	if len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return types.Principal{}, status.Errorf(codes.Unauthenticated, "%s required", IdentityHeader)
	}

	name := strings.TrimSpace(vals[0])
	_, privileged := p.privileged[name]
	return types.Principal{Identity: name, Privileged: privileged}, nil
}
