// Package util holds small helpers shared across the execution pipeline
// and the ambient stack that don't deserve their own package.
package util

import (
	"encoding/json"
	"fmt"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoadSeccomp reads and parses a seccomp profile from path. cmdbuilder does
// not call it; it validates inline profiles with its own validateSeccomp.
func LoadSeccomp(path string) (*specs.LinuxSeccomp, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seccomp specs.LinuxSeccomp
	if err := json.Unmarshal(b, &seccomp); err != nil {
		return nil, err
	}
	return &seccomp, nil
}

// RecordSpanError marks span as failed and attaches err.
func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// DepArtifactPath returns the object-storage key a resolved dependency
// artifact is cached under.
func DepArtifactPath(normalizedURI string) string {
	return fmt.Sprintf("deps/%s", normalizedURI)
}

// AttachmentPath returns the object-storage key a job's attachment is
// uploaded under.
func AttachmentPath(instanceID, name string) string {
	return fmt.Sprintf("runs/%s/attachments/%s", instanceID, name)
}

// OutputHashKey returns the memoization cache key for a job's output hash.
func OutputHashKey(instanceID string) string {
	return fmt.Sprintf("outputHash:%s", instanceID)
}

// ResolvedDepsKey returns the memoization cache key for a job's resolved
// dependency path list, keyed by the sha256 hex digest of its declared URIs.
func ResolvedDepsKey(depsDigest string) string {
	return fmt.Sprintf("resolvedDeps:%s", depsDigest)
}
