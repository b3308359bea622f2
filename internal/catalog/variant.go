package catalog

import "sort"

// Variant is the closed set of template kinds. Dispatch on a variant is
// always an explicit switch or a lookup in variantTable.
type Variant string

const (
	VariantBackend      Variant = "backend"
	VariantFrontend     Variant = "frontend"
	VariantTesting      Variant = "testing"
	VariantSecurity     Variant = "security"
	VariantDevOps       Variant = "devops"
	VariantDocs         Variant = "docs"
	VariantData         Variant = "data"
	VariantArchitecture Variant = "architecture"
)

// Permission scopes an artifact may request.
const (
	PermRead    = "read"
	PermWrite   = "write"
	PermExec    = "exec"
	PermNetwork = "network"
	PermSecrets = "secrets"
	PermDeploy  = "deploy"
)

// variantSpec is one row of the capability-tag lookup table.
type variantSpec struct {
	Tags  []string // default capability tags added to every template of the variant
	Scope []string // permissions an artifact of the variant may request
}

var variantTable = map[Variant]variantSpec{
	VariantBackend: {
		Tags:  []string{"code-generation", "api-design"},
		Scope: []string{PermRead, PermWrite, PermExec},
	},
	VariantFrontend: {
		Tags:  []string{"code-generation", "ui"},
		Scope: []string{PermRead, PermWrite, PermExec},
	},
	VariantTesting: {
		Tags:  []string{"test-authoring"},
		Scope: []string{PermRead, PermWrite, PermExec},
	},
	VariantSecurity: {
		Tags:  []string{"security-review"},
		Scope: []string{PermRead, PermExec, PermNetwork},
	},
	VariantDevOps: {
		Tags:  []string{"pipeline-authoring"},
		Scope: []string{PermRead, PermWrite, PermExec, PermDeploy, PermSecrets},
	},
	VariantDocs: {
		Tags:  []string{"documentation"},
		Scope: []string{PermRead, PermWrite},
	},
	VariantData: {
		Tags:  []string{"schema-design"},
		Scope: []string{PermRead, PermWrite, PermExec},
	},
	VariantArchitecture: {
		Tags:  []string{"architecture-review"},
		Scope: []string{PermRead},
	},
}

// ExclusiveCapabilities may be claimed by at most one artifact per run.
var ExclusiveCapabilities = []string{
	"architecture-owner",
	"release-manager",
	"schema-owner",
}

// Valid reports whether v belongs to the closed variant set.
func (v Variant) Valid() bool {
	_, ok := variantTable[v]
	return ok
}

// DefaultTags returns the capability tags implied by the variant.
func (v Variant) DefaultTags() []string {
	return append([]string(nil), variantTable[v].Tags...)
}

// Scope returns the permissions an artifact of the variant may request.
func (v Variant) Scope() []string {
	return append([]string(nil), variantTable[v].Scope...)
}

// Allows reports whether perm is inside the variant's scope.
func (v Variant) Allows(perm string) bool {
	for _, p := range variantTable[v].Scope {
		if p == perm {
			return true
		}
	}
	return false
}

// Variants lists the closed set in sorted order.
func Variants() []Variant {
	out := make([]Variant, 0, len(variantTable))
	for v := range variantTable {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsExclusive reports whether capability is one of ExclusiveCapabilities.
func IsExclusive(capability string) bool {
	for _, c := range ExclusiveCapabilities {
		if c == capability {
			return true
		}
	}
	return false
}
