package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
)

func TestNormalize_NilBecomesNone(t *testing.T) {
	p := Normalize(nil)
	require.NotNil(t, p)
	assert.True(t, p.None)
}

func TestNormalize_InheritDowngradesToNone(t *testing.T) {
	p := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{"inherit": {}}}
	out := Normalize(p)
	assert.True(t, out.None)
	_, present := out.Grant["inherit"]
	assert.False(t, present, `"inherit" must never appear in normalized output`)
}

func TestMerge_NoneIsIdentity(t *testing.T) {
	p := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapNet: {List: []string{"api.example.com"}},
	}}
	left := Merge(models.NonePermissions(), p)
	right := Merge(p, models.NonePermissions())
	assert.Equal(t, p.Grant, left.Grant)
	assert.Equal(t, p.Grant, right.Grant)
}

func TestMerge_ListsUnionAndDedupe(t *testing.T) {
	a := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapRead: {List: []string{"/tmp/a", "/tmp/b"}},
	}}
	b := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapRead: {List: []string{"/tmp/b", "/tmp/c"}},
	}}
	merged := Merge(a, b)
	assert.ElementsMatch(t, []string{"/tmp/a", "/tmp/b", "/tmp/c"}, merged.Grant[models.CapRead].List)
}

func TestMerge_BlanketAbsorbsList(t *testing.T) {
	a := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapNet: {List: []string{"api.example.com"}},
	}}
	b := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapNet: {Blanket: true, Allow: true},
	}}
	merged := Merge(a, b)
	assert.True(t, merged.Grant[models.CapNet].BlanketAllow())
}

func TestMerge_CommutativeUpToListOrder(t *testing.T) {
	a := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapEnv: {List: []string{"X", "Y"}},
	}}
	b := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapEnv: {List: []string{"Y", "Z"}},
	}}
	ab := Merge(a, b)
	ba := Merge(b, a)
	assert.ElementsMatch(t, ab.Grant[models.CapEnv].List, ba.Grant[models.CapEnv].List)
}

func TestDetect_WildcardAndLocalHost(t *testing.T) {
	p := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapNet: {List: []string{"localhost", "*"}},
	}}
	d := Detect(p)
	assert.True(t, d.Wild)
	assert.True(t, d.Local)
}

func TestResolve_PrefixWildcardAndExact(t *testing.T) {
	env := map[string]string{
		"PUBLIC_API_KEY": "abc",
		"PUBLIC_REGION":  "us",
		"SECRET_TOKEN":   "shh",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	p := &models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapEnv: {List: []string{"PUBLIC_API_KEY", "PUBLIC_REGION", "SECRET_TOKEN"}},
	}}
	resolved := Resolve(p, []string{"PUBLIC_*"}, lookup)
	assert.Equal(t, map[string]string{"PUBLIC_API_KEY": "abc", "PUBLIC_REGION": "us"}, resolved)
}

func TestResolve_NoneYieldsEmptyMap(t *testing.T) {
	resolved := Resolve(models.NonePermissions(), []string{"PUBLIC_*"}, func(string) (string, bool) { return "", false })
	assert.Empty(t, resolved)
}

func TestValidate_NonStrictNeverPanics(t *testing.T) {
	// non-strict mode is a documented no-op; just assert it doesn't blow up.
	Validate(&models.PermissionSet{Grant: map[models.CapKind]models.Grant{
		models.CapNet: {Blanket: true, Allow: true},
	}}, false)
}
