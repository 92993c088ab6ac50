// Package roomclient talks to the room runtime that holds live room state.
// Every mutating call is idempotent from the caller's point of view: joining
// a present entity, kicking an absent one or deleting a missing artifact all
// succeed.
package roomclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"roomops/internal/domain"
)

type RoomClient interface {
	GetState(ctx context.Context, roomID string) (domain.RoomState, error)
	JoinEntity(ctx context.Context, roomID string, entity domain.EntitySpec) error
	KickEntity(ctx context.Context, roomID, entityID string) error
}

type ArtifactsClient interface {
	// GetArtifactHash reports the stored fingerprint; ok is false when the
	// artifact does not exist.
	GetArtifactHash(ctx context.Context, roomID, name string) (hash string, ok bool, err error)
	SeedArtifact(ctx context.Context, roomID string, artifact domain.ArtifactSeedSpec, content []byte) error
	PromoteArtifact(ctx context.Context, roomID, name string) error
	DeleteArtifact(ctx context.Context, roomID, name string) error
}

type PoliciesClient interface {
	ApplyPolicy(ctx context.Context, roomID, policyName, value string) error
}

// Runtime bundles the three client surfaces.
type Runtime interface {
	RoomClient
	ArtifactsClient
	PoliciesClient
}

var ErrNotFound = errors.New("not found")

const (
	CodeConflict = "conflict"
	CodeNotFound = "not_found"
)

// APIError is a structured non-2xx response from the runtime.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("room runtime: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
