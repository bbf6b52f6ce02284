// Package metadata declares the data access contract for the platform
// metadata store. The gateway and the orchestrator consume this interface;
// the SQL implementation lives with the metadata service and is wired in by
// the deployment, never by this module.
package metadata

import (
	"context"
	"errors"
	"time"
)

var (
	ErrObjectNotFound  = errors.New("metadata object not found")
	ErrVersionConflict = errors.New("metadata version conflict")
	ErrTenantNotFound  = errors.New("metadata tenant not found")
)

// ObjectType identifies the kind of a stored object.
type ObjectType string

const (
	ObjectData   ObjectType = "DATA"
	ObjectModel  ObjectType = "MODEL"
	ObjectFlow   ObjectType = "FLOW"
	ObjectJob    ObjectType = "JOB"
	ObjectFile   ObjectType = "FILE"
	ObjectSchema ObjectType = "SCHEMA"
)

// ObjectHeader identifies one version of one object within a tenant.
type ObjectHeader struct {
	Tenant        string
	ObjectType    ObjectType
	ObjectID      string
	ObjectVersion int
	TagVersion    int
}

// Tag is a versioned object definition plus its searchable attributes.
// Definition is the serialized object body; the DAL treats it as opaque.
type Tag struct {
	Header     ObjectHeader
	Definition []byte
	Attrs      map[string]string
	Created    time.Time
	Updated    time.Time
}

// SearchTerm is one predicate over tag attributes.
type SearchTerm struct {
	Attr     string
	Operator string // EQ, NE, GT, LT, IN, EXISTS
	Value    string
}

// SearchParams selects tags within a tenant. Terms are ANDed together;
// PriorVersions includes superseded object versions in the result.
type SearchParams struct {
	ObjectType    ObjectType
	Terms         []SearchTerm
	PriorVersions bool
}

// DAL is the read/write contract for metadata persistence.
//
// Writes are versioned: saving a new object version or tag version requires
// the caller to hold the latest prior version, otherwise the store reports
// ErrVersionConflict. Reads by header resolve version 0 to latest.
type DAL interface {

	// SaveNewObject stores version 1 of a new object and returns its header.
	SaveNewObject(ctx context.Context, tenant string, tag Tag) (ObjectHeader, error)

	// SaveNewVersion stores the next version of an existing object.
	SaveNewVersion(ctx context.Context, tenant string, tag Tag) (ObjectHeader, error)

	// SaveNewTag stores updated attributes for an existing object version.
	SaveNewTag(ctx context.Context, tenant string, tag Tag) (ObjectHeader, error)

	// LoadObject reads one tag by header.
	LoadObject(ctx context.Context, tenant string, header ObjectHeader) (Tag, error)

	// LoadObjects reads a batch of tags; the result preserves request order.
	// A single missing object fails the whole batch with ErrObjectNotFound.
	LoadObjects(ctx context.Context, tenant string, headers []ObjectHeader) ([]Tag, error)

	// Search returns the headers of all tags matching the search parameters.
	Search(ctx context.Context, tenant string, params SearchParams) ([]ObjectHeader, error)

	// ListTenants returns the tenants known to the store.
	ListTenants(ctx context.Context) ([]string, error)
}
