package v1

import (
	"context"
	"fmt"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pixperk/pdmlock/pkg/types"
)

// Acquire request: {resource_id, reason}
type AcquireRequest struct {
	ResourceID string
	Reason     string
}

func (r AcquireRequest) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"resource_id": r.ResourceID,
		"reason":      r.Reason,
	})
}

func AcquireRequestFromProto(s *structpb.Struct) AcquireRequest {
	m := s.AsMap()
	return AcquireRequest{
		ResourceID: str(m, "resource_id"),
		Reason:     str(m, "reason"),
	}
}

// Release request: {resource_id, force}
type ReleaseRequest struct {
	ResourceID string
	Force      bool
}

func (r ReleaseRequest) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"resource_id": r.ResourceID,
		"force":       r.Force,
	})
}

func ReleaseRequestFromProto(s *structpb.Struct) ReleaseRequest {
	m := s.AsMap()
	force, _ := m["force"].(bool)
	return ReleaseRequest{ResourceID: str(m, "resource_id"), Force: force}
}

// Acquire response: the lock record
func LockToProto(l types.Lock) (*structpb.Struct, error) {
	return structpb.NewStruct(types.LockToMap(l))
}

func LockFromProto(s *structpb.Struct) (types.Lock, error) {
	if s == nil {
		return types.Lock{}, fmt.Errorf("nil lock")
	}
	return types.LockFromMap(s.AsMap())
}

// Release response: {released: true}
func ReleasedProto() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"released": structpb.NewBoolValue(true),
	}}
}

// Locks response: {locks, revision}
type LocksResponse struct {
	Locks    types.LockTable
	Revision string
}

func (r LocksResponse) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"locks":    types.LockTableToMap(r.Locks),
		"revision": r.Revision,
	})
}

func LocksResponseFromProto(s *structpb.Struct) (LocksResponse, error) {
	if s == nil {
		return LocksResponse{}, fmt.Errorf("nil locks response")
	}
	m := s.AsMap()
	raw, _ := m["locks"].(map[string]any)
	table, err := types.LockTableFromMap(raw)
	if err != nil {
		return LocksResponse{}, err
	}
	return LocksResponse{Locks: table, Revision: str(m, "revision")}, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// metadata key carrying the caller's identity
const IdentityHeader = "x-pdm-identity"

// WithIdentity returns an outgoing context that carries identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, IdentityHeader, identity)
}
