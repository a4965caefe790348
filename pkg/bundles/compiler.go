package bundles

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/open-policy-agent/opa/rego"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
)

const (
	regoPackage  = "trustgate.bundle"
	allowQuery   = "data.trustgate.bundle.allow"
	compilerName = "trustgate-rego/v1"
)

// CompileRequest lists the inputs frozen into a bundle.
type CompileRequest struct {
	TenantID  string                  `json:"tenant_id"`
	Version   string                  `json:"version"`
	Artifacts []contracts.ArtifactRef `json:"artifacts"`
	Policies  []string                `json:"policies"`
	Controls  []string                `json:"controls"`
}

// normalize validates req and returns a copy with sorted, de-duplicated
// inputs.
func normalize(req CompileRequest) (CompileRequest, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return req, contracts.Errorf(contracts.KindValidation, "tenant id is required")
	}
	v, err := semver.StrictNewVersion(strings.TrimSpace(req.Version))
	if err != nil {
		return req, contracts.Wrap(contracts.KindValidation, err, fmt.Sprintf("version %q is not a semantic version", req.Version))
	}
	for _, a := range req.Artifacts {
		if err := a.Validate(); err != nil {
			return req, err
		}
	}
	out := CompileRequest{
		TenantID:  req.TenantID,
		Version:   v.String(),
		Artifacts: contracts.SortArtifactRefs(req.Artifacts),
		Policies:  stringSet(req.Policies),
		Controls:  stringSet(req.Controls),
	}
	return out, nil
}

func stringSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// render produces the Rego module for a normalized request. The output is a
// pure function of its input.
func render(req CompileRequest) []byte {
	refs := make([]string, len(req.Artifacts))
	for i, a := range req.Artifacts {
		refs[i] = a.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\n", regoPackage)
	b.WriteString("default allow = false\n\n")
	fmt.Fprintf(&b, "tenant := %s\n\n", strconv.Quote(req.TenantID))
	fmt.Fprintf(&b, "version := %s\n\n", strconv.Quote(req.Version))
	writeSet(&b, "artifacts", refs)
	writeSet(&b, "policies", req.Policies)
	writeSet(&b, "controls", req.Controls)
	b.WriteString("allow {\n\tartifacts[input.artifact]\n}\n")
	return []byte(b.String())
}

func writeSet(b *strings.Builder, name string, values []string) {
	if len(values) == 0 {
		fmt.Fprintf(b, "%s := set()\n\n", name)
		return
	}
	fmt.Fprintf(b, "%s := {\n", name)
	for _, v := range values {
		fmt.Fprintf(b, "\t%s,\n", strconv.Quote(v))
	}
	b.WriteString("}\n\n")
}

// checkDefaultDeny compiles content with OPA and confirms that an empty
// input is denied.
func checkDefaultDeny(ctx context.Context, content []byte) error {
	query, err := rego.New(
		rego.Query(allowQuery),
		rego.Module("bundle.rego", string(content)),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile bundle module: %w", err)
	}
	results, err := query.Eval(ctx, rego.EvalInput(map[string]any{}))
	if err != nil {
		return fmt.Errorf("evaluate bundle module: %w", err)
	}
	if len(results) != 1 || len(results[0].Expressions) != 1 {
		return fmt.Errorf("bundle module has no allow decision")
	}
	if allowed, ok := results[0].Expressions[0].Value.(bool); !ok || allowed {
		return fmt.Errorf("bundle module does not deny by default")
	}
	return nil
}
