package apkpatch

import (
	"regexp"
	"strings"

	"github.com/aluedeke/go-apkpatch/pkg/axml"
)

// ManifestEntry is the archive path of the compiled manifest.
const ManifestEntry = "AndroidManifest.xml"

// RewriteRules configures the manifest attribute rewrite. Empty tokens (and
// a nil MainActivity) disable the corresponding substitution.
type RewriteRules struct {
	SourcePackage      string
	TargetPackage      string
	AppNamePlaceholder string
	DisplayName        string
	MainActivity       *regexp.Regexp
	ShimActivity       string
	VersionCodeAttr    string
}

// Facts are the identity and version discovered while rewriting.
type Facts struct {
	// Package is the first package attribute seen.
	Package    string
	HasPackage bool
	// VersionCode is the last version-code attribute seen.
	VersionCode int64
	// MinSDKVersion is the integer minSdkVersion of uses-sdk, zero when
	// absent or given as a codename.
	MinSDKVersion int64
}

// ManifestResult is the output of RewriteManifest.
type ManifestResult struct {
	Data  []byte
	Facts Facts
}

// RewriteManifest applies rules to a compiled manifest in a single pass and
// returns the rewritten bytes together with the facts found on the way.
func RewriteManifest(data []byte, rules RewriteRules) (*ManifestResult, error) {
	var facts Facts
	out, err := axml.Rewrite(data, func(a axml.Attribute) axml.Value {
		return rules.apply(a, &facts)
	})
	if err != nil {
		return nil, err
	}
	return &ManifestResult{Data: out, Facts: facts}, nil
}

// apply returns the new value of one attribute. facts is the traversal's
// accumulated state.
func (r RewriteRules) apply(a axml.Attribute, facts *Facts) axml.Value {
	v := a.Value

	if v.Type.IsInt() {
		if r.VersionCodeAttr != "" && a.Name == r.VersionCodeAttr {
			facts.VersionCode = int64(v.Data)
		}
		if a.Element == "uses-sdk" && a.Name == "minSdkVersion" {
			facts.MinSDKVersion = int64(v.Data)
		}
		return v
	}
	if v.Type != axml.TypeString {
		return v
	}

	s := v.String
	switch a.Name {
	case "package":
		if !facts.HasPackage {
			facts.Package, facts.HasPackage = s, true
			s = r.replaceSource(s)
		}
	case "label":
		if r.AppNamePlaceholder != "" && strings.Contains(s, r.AppNamePlaceholder) {
			s = r.DisplayName
		}
	case "authorities":
		if facts.HasPackage && facts.Package != "" && strings.Contains(s, facts.Package) {
			if r.TargetPackage != "" {
				s = strings.ReplaceAll(s, facts.Package, r.TargetPackage)
			}
		} else {
			s = r.replaceSource(s)
		}
	case "name":
		if r.MainActivity != nil && r.ShimActivity != "" {
			if loc := r.MainActivity.FindStringIndex(s); loc != nil {
				s = s[:loc[0]] + r.ShimActivity + s[loc[1]:]
			}
		}
	}

	if s == v.String {
		return v
	}
	return axml.Value{Type: axml.TypeString, String: s}
}

func (r RewriteRules) replaceSource(s string) string {
	if r.SourcePackage == "" || r.TargetPackage == "" {
		return s
	}
	return strings.ReplaceAll(s, r.SourcePackage, r.TargetPackage)
}
